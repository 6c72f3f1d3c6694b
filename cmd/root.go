package cmd

import (
	"context"
	"corsrules/config"
	"corsrules/core"
	"corsrules/database"
	"corsrules/logger"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	cfgFile          string
	dbPath           string // Bound to --dbpath flag
	appLogPathFlag   string
	proxyLogPathFlag string
	logLevelFlag     string

	// appService is built in PersistentPreRunE for every command that touches rules.
	appService *core.Service
)

var rootCmd = &cobra.Command{
	Use:   "corsrules",
	Short: "Per-origin CORS override rules with an enforcing proxy",
	Long: `corsrules keeps a list of origins that should be allowed to make
cross-origin requests, translates them into header-rewriting engine rules
and enforces them through a local MITM proxy.

Rules can be managed from this CLI or through the HTTP API started by 'serve'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Init(cfgFile, appLogPathFlag, proxyLogPathFlag, logLevelFlag); err != nil {
			return fmt.Errorf("failed to initialize config in PersistentPreRunE: %w", err)
		}
		if skipsService(cmd) {
			return nil
		}

		finalDBPath := config.AppConfig.Database.Path
		if dbPath != "" {
			expandedPath, err := config.ExpandTilde(dbPath)
			if err != nil {
				logger.Error("Error expanding tilde in --dbpath flag '%s': %v. Using original.", dbPath, err)
				expandedPath = dbPath
			}
			finalDBPath = expandedPath
			logger.Info("PersistentPreRunE: Using database path from --dbpath flag: '%s'", finalDBPath)
		}
		if finalDBPath == "" {
			logger.Error("PersistentPreRunE: Database path is empty after checking flag and config! Falling back to 'corsrules.db' in CWD.")
			finalDBPath = "corsrules.db"
		}

		logger.Debug("PersistentPreRunE: Attempting to InitDB with final path: '%s'", finalDBPath)
		if err := database.InitDB(finalDBPath); err != nil {
			return fmt.Errorf("failed to initialize database at %s: %w", finalDBPath, err)
		}

		appService = core.NewService(database.NewBlobStore(database.DB), core.ServiceOptions{
			MaxActiveRules: config.AppConfig.Engine.MaxActiveRules,
			Debounce:       time.Duration(config.AppConfig.Store.DebounceMS) * time.Millisecond,
			Indicator:      core.LogIndicator{},
			EnforcementLog: database.NewEnforcementLog(database.DB),
			LogLevel:       config.AppConfig.Logging.Level,
		})
		if _, err := appService.Start(cmd.Context()); err != nil {
			return fmt.Errorf("failed to start rule service: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeService()
	},
}

// skipsService reports whether cmd runs without the database and rule service.
func skipsService(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "completion", "help", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
		return true
	}
	return cmd == proxyInitCACmd
}

func closeService() {
	if appService == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := appService.Close(ctx); err != nil {
		logger.Error("Closing rule service: %v", err)
	}
	appService = nil
	if database.DB != nil {
		database.DB.Close()
	}
}

// fail prints a user-facing error, releases the service and exits.
func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	closeService()
	logger.CloseLogFiles()
	os.Exit(1)
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/corsrules/config.yaml or ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "dbpath", "", "path to SQLite database file (overrides config/default)")
	rootCmd.PersistentFlags().StringVar(&appLogPathFlag, "app-log", "", "path for the application log file (overrides config/default)")
	rootCmd.PersistentFlags().StringVar(&proxyLogPathFlag, "proxy-log", "", "path for the proxy log file (overrides config/default)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: DEBUG, INFO, WARN, ERROR (overrides config/default)")
}
