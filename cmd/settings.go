package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	settingsCredentials bool
	settingsDebug       bool
	settingsMaxRules    int
	settingsCleanupDays int
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change rule settings",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current settings as JSON",
	Run: func(cmd *cobra.Command, args []string) {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(appService.Settings.Get(cmd.Context())); err != nil {
			fail("encoding settings: %v", err)
		}
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change one or more settings",
	Long:  `Changes the given settings. Out-of-range numbers are reset to their defaults.`,
	Run: func(cmd *cobra.Command, args []string) {
		s := appService.Settings.Get(cmd.Context())
		flags := cmd.Flags()
		if flags.Changed("default-credentials") {
			s.DftEnableCredentials = settingsCredentials
		}
		if flags.Changed("debug") {
			s.DebugMode = settingsDebug
		}
		if flags.Changed("max-rules") {
			s.MaxRules = settingsMaxRules
		}
		if flags.Changed("cleanup-days") {
			s.AutoCleanupDays = settingsCleanupDays
		}
		saved, err := appService.Settings.Set(cmd.Context(), s)
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("Settings saved: %+v\n", saved)
	},
}

func init() {
	settingsSetCmd.Flags().BoolVar(&settingsCredentials, "default-credentials", false, "Allow credentials on new rules by default")
	settingsSetCmd.Flags().BoolVar(&settingsDebug, "debug", false, "Switch the log level to DEBUG")
	settingsSetCmd.Flags().IntVar(&settingsMaxRules, "max-rules", 0, "Maximum number of stored rules (1-1000)")
	settingsSetCmd.Flags().IntVar(&settingsCleanupDays, "cleanup-days", 0, "Remove disabled rules after this many days (0 disables, max 365)")

	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd)
	rootCmd.AddCommand(settingsCmd)
}
