package cmd

import (
	"context"
	"corsrules/api"
	"corsrules/config"
	"corsrules/core"
	"corsrules/logger"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	serveServerPort string
	serveProxyPort  string
	serveNoProxy    bool
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Starts the API server, the enforcement proxy and the cleanup job",
	Long: `Starts the HTTP API, the CORS enforcement proxy and the periodic cleanup
of stale disabled rules. Press Ctrl+C to gracefully shut down all services.`,
	Run: func(cmd *cobra.Command, args []string) {
		serverPort := serveServerPort
		if !cmd.Flags().Changed("server-port") {
			serverPort = config.AppConfig.Server.Port
		}
		if serverPort == "" {
			logger.Error("Serve: Server port is empty after checking flag and config, defaulting to %s", config.DefaultServerPort)
			serverPort = config.DefaultServerPort
		}
		proxyPort := serveProxyPort
		if !cmd.Flags().Changed("proxy-port") {
			proxyPort = config.AppConfig.Proxy.Port
		}
		if proxyPort == "" {
			proxyPort = config.DefaultProxyPort
		}
		runProxy := config.AppConfig.Proxy.Enabled && !serveNoProxy
		logger.Info("Serve: API port %s, proxy port %s (enabled: %t)", serverPort, proxyPort, runProxy)

		apiRouter, err := api.NewRouter(appService, api.Options{AllowedOrigins: config.AppConfig.Server.AllowedOrigins})
		if err != nil {
			fail("%v", err)
		}
		mainMux := http.NewServeMux()
		mainMux.Handle("/api/", http.StripPrefix("/api", apiRouter))
		apiServer := &http.Server{
			Addr:              ":" + serverPort,
			Handler:           mainMux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		var proxyServer *http.Server
		if runProxy {
			proxyServer, err = core.NewMitmServer(":"+proxyPort, config.AppConfig.Proxy.CACertPath, config.AppConfig.Proxy.CAKeyPath, appService.Engine, appService.Log)
			if err != nil {
				fail("%v", err)
			}
		}

		cleanup, err := core.NewCleanupJob(appService.Store, appService.Settings, config.AppConfig.Cleanup.Interval, nil)
		if err != nil {
			fail("could not create cleanup scheduler: %v", err)
		}
		if appService.Log != nil {
			cleanup.PruneEnforcementLog(appService.Log, config.AppConfig.Proxy.LogRetention)
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		if err := cleanup.Start(ctx); err != nil {
			fail("could not schedule cleanup: %v", err)
		}

		var wg sync.WaitGroup
		listen := func(name string, srv *http.Server, logf func(string, ...interface{})) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				logf("Serve(%s): Listening on %s", name, srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("Serve(%s): ListenAndServe error: %v", name, err)
					cancel()
				}
				logf("Serve(%s): Finished.", name)
			}()
		}
		listen("API", apiServer, logger.Info)
		if proxyServer != nil {
			listen("Proxy", proxyServer, logger.ProxyInfo)
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		logger.Info("Serve: All services launched. Press Ctrl+C to exit.")

		select {
		case sig := <-sigs:
			logger.Info("Serve: Received signal: %s. Initiating shutdown...", sig)
		case <-ctx.Done():
			logger.Info("Serve: Context cancelled (likely due to a service error). Initiating shutdown...")
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		for _, srv := range []*http.Server{apiServer, proxyServer} {
			if srv == nil {
				continue
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("Serve: Graceful shutdown of %s failed: %v", srv.Addr, err)
			}
		}
		if err := cleanup.Stop(); err != nil {
			logger.Error("Serve: Stopping cleanup scheduler: %v", err)
		}

		shutdownComplete := make(chan struct{})
		go func() {
			wg.Wait()
			close(shutdownComplete)
		}()
		select {
		case <-shutdownComplete:
			logger.Info("Serve: All services shut down.")
		case <-time.After(10 * time.Second):
			logger.Error("Serve: Shutdown timed out. Forcing exit.")
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveServerPort, "server-port", config.DefaultServerPort, "Port for the API server (overrides config)")
	serveCmd.Flags().StringVar(&serveProxyPort, "proxy-port", config.DefaultProxyPort, "Port for the enforcement proxy (overrides config)")
	serveCmd.Flags().BoolVar(&serveNoProxy, "no-proxy", false, "Do not start the enforcement proxy")
	rootCmd.AddCommand(serveCmd)
}
