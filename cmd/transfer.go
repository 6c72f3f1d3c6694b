package cmd

import (
	"corsrules/logger"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	exportOutput string
	importMerge  bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write all rules as a versioned JSON export",
	Run: func(cmd *cobra.Command, args []string) {
		snapshot := appService.Store.ExportAll(cmd.Context())
		data, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			fail("encoding export: %v", err)
		}
		if exportOutput == "" || exportOutput == "-" {
			fmt.Println(string(data))
			return
		}
		if err := os.WriteFile(exportOutput, append(data, '\n'), 0640); err != nil {
			fail("writing %s: %v", exportOutput, err)
		}
		logger.Info("CLI: exported %d rules to %s", len(snapshot.Rules), exportOutput)
		fmt.Printf("Exported %d rules to %s.\n", len(snapshot.Rules), exportOutput)
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file|->",
	Short: "Import rules from an export file or a JSON rule array",
	Long: `Imports rules from a file written by 'export' (or '-' for stdin).
Without --merge the current rules are replaced and renumbered from 1.
With --merge rules are matched by origin and updated in place.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var data []byte
		var err error
		if args[0] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			fail("reading import: %v", err)
		}

		ok, err := appService.Store.ImportAll(cmd.Context(), data, importMerge)
		if err != nil {
			fail("%v", err)
		}
		if !ok {
			fail("import contained no usable rules")
		}
		fmt.Printf("Import complete, %d rules stored.\n", len(appService.Store.GetAll(cmd.Context())))
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "File to write (default stdout)")
	importCmd.Flags().BoolVar(&importMerge, "merge", false, "Merge into the existing rules instead of replacing them")
	rootCmd.AddCommand(exportCmd, importCmd)
}
