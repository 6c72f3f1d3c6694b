package cmd

import (
	"corsrules/core"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var engineCmd = &cobra.Command{
	Use:   "engine",
	Short: "Inspect and resynchronize the filtering engine",
}

var engineListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List the rules installed in the engine",
	Aliases: []string{"ls"},
	Run: func(cmd *cobra.Command, args []string) {
		rules, err := appService.Engine.GetActiveRules(cmd.Context())
		if err != nil {
			fail("%v", err)
		}
		if len(rules) == 0 {
			fmt.Println("No active engine rules.")
			return
		}
		writer := new(tabwriter.Writer)
		writer.Init(os.Stdout, 0, 8, 1, '\t', 0)
		fmt.Fprintln(writer, "ID\tINITIATORS\tALLOW_ORIGIN\tALLOW_CREDENTIALS\tALLOW_HEADERS")
		fmt.Fprintln(writer, "--\t----------\t------------\t-----------------\t-------------")
		for _, r := range rules {
			values := map[string]string{}
			for _, h := range r.Action.ResponseHeaders {
				values[h.Header] = h.Value
			}
			fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\n",
				r.ID,
				strings.Join(r.Condition.InitiatorDomains, ","),
				values[core.HeaderAllowOrigin],
				values[core.HeaderAllowCredentials],
				values[core.HeaderAllowHeaders],
			)
		}
		writer.Flush()
		fmt.Printf("%d of %d engine slots in use.\n", len(rules), appService.Engine.Limit())
	},
}

var engineSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the engine with the stored rules",
	Run: func(cmd *cobra.Command, args []string) {
		report, err := appService.Resync(cmd.Context())
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("Removed %d, added %d, skipped %d disabled.\n", report.Removed, report.Added, report.Skipped)
		if report.UsedFallback {
			fmt.Println("Batch update was rejected; rules were applied one at a time.")
		}
		if len(report.Failed) > 0 {
			fmt.Printf("Rules that could not be applied: %v\n", report.Failed)
		}
	},
}

func init() {
	engineCmd.AddCommand(engineListCmd, engineSyncCmd)
	rootCmd.AddCommand(engineCmd)
}
