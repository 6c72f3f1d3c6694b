package cmd

import (
	"context"
	"corsrules/config"
	"corsrules/core"
	"corsrules/logger"
	"corsrules/models"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	standaloneProxyPort string
	proxyLogRuleID      int64
	proxyLogLimit       int
	proxyLogPage        int
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Manages the CORS enforcement proxy",
}

var proxyStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts only the enforcement proxy",
	Long: `Starts the Man-in-the-Middle proxy that rewrites CORS response headers
according to the active engine rules, without the API server.
A CA certificate must be generated (using 'proxy init-ca') and trusted by your client.`,
	Run: func(cmd *cobra.Command, args []string) {
		portToUse := standaloneProxyPort
		if !cmd.Flags().Changed("port") {
			portToUse = config.AppConfig.Proxy.Port
			logger.Debug("Using proxy port from config: %s", portToUse)
		}
		if portToUse == "" {
			portToUse = config.DefaultProxyPort
		}

		srv, err := core.NewMitmServer(":"+portToUse, config.AppConfig.Proxy.CACertPath, config.AppConfig.Proxy.CAKeyPath, appService.Engine, appService.Log)
		if err != nil {
			logger.ProxyError("Error starting proxy: %v", err)
			fail("%v", err)
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigs
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()

		logger.ProxyInfo("Enforcement proxy listening on :%s with %d active rules", portToUse, appService.Engine.Len())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ProxyError("Proxy stopped: %v", err)
			fail("%v", err)
		}
	},
}

var proxyInitCACmd = &cobra.Command{
	Use:   "init-ca",
	Short: "Initializes (generates) the root CA certificate and key for the enforcement proxy",
	Run: func(cmd *cobra.Command, args []string) {
		certPath := config.AppConfig.Proxy.CACertPath
		keyPath := config.AppConfig.Proxy.CAKeyPath
		if certPath == "" || keyPath == "" {
			fail("CA certificate or key path is not defined in configuration")
		}

		if err := core.GenerateAndSaveCA(certPath, keyPath); err != nil {
			fail("generating CA (check logs for details): %v", err)
		}
		fmt.Printf("CA certificate written to %s\n", certPath)
		fmt.Println("Please import the CA certificate into your browser/system's trust store.")
	},
}

var proxyLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Lists responses rewritten by the enforcement proxy",
	Run: func(cmd *cobra.Command, args []string) {
		if appService.Log == nil {
			fail("enforcement log is not available")
		}
		filters := models.EnforcementLogFilters{RuleID: proxyLogRuleID, Page: proxyLogPage, Limit: proxyLogLimit}
		entries, total, err := appService.Log.List(cmd.Context(), filters)
		if err != nil {
			fail("reading enforcement log: %v", err)
		}
		if len(entries) == 0 {
			fmt.Println("No enforcement log entries found.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tRULE\tINITIATOR\tMETHOD\tSTATUS\tPREFLIGHT\tURL")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%t\t%s\n",
				time.UnixMilli(e.Timestamp).Format("2006-01-02 15:04:05"),
				e.RuleID, e.Initiator, e.Method, e.StatusCode, e.Preflight, e.URL)
		}
		w.Flush()
		fmt.Printf("\nShowing %d of %d entries.\n", len(entries), total)
	},
}

func init() {
	proxyLogCmd.Flags().Int64Var(&proxyLogRuleID, "rule", 0, "Only show entries for this rule ID")
	proxyLogCmd.Flags().IntVarP(&proxyLogLimit, "limit", "n", 50, "Number of entries per page")
	proxyLogCmd.Flags().IntVar(&proxyLogPage, "page", 1, "Page number")

	proxyStartCmd.Flags().StringVarP(&standaloneProxyPort, "port", "p", config.DefaultProxyPort, "Port for the proxy server to listen on (overrides config)")

	proxyCmd.AddCommand(proxyStartCmd)
	proxyCmd.AddCommand(proxyInitCACmd)
	proxyCmd.AddCommand(proxyLogCmd)
	rootCmd.AddCommand(proxyCmd)
}
