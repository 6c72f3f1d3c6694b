package cmd

import (
	"corsrules/logger"
	"corsrules/models"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	ruleListJSON     bool
	ruleCredentials  bool
	ruleExtraHeaders string
	ruleDisabled     bool
	ruleOrigin       string
)

var ruleCmd = &cobra.Command{
	Use:     "rule",
	Short:   "Manage CORS override rules",
	Long:    `Allows you to list, add, update, enable, disable, remove or renumber rules.`,
	Aliases: []string{"r"},
}

func parseRuleID(arg string) int64 {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		fail("'%s' is not a valid rule ID", arg)
	}
	return id
}

func printRules(rules []models.Rule) {
	writer := new(tabwriter.Writer)
	writer.Init(os.Stdout, 0, 8, 1, '\t', 0)
	fmt.Fprintln(writer, "ID\tORIGIN\tCREDENTIALS\tEXTRA_HEADERS\tSTATUS\tUPDATED")
	fmt.Fprintln(writer, "--\t------\t-----------\t-------------\t------\t-------")
	for _, r := range rules {
		status := "enabled"
		if r.Disabled {
			status = "disabled"
		}
		fmt.Fprintf(writer, "%d\t%s\t%t\t%s\t%s\t%s\n",
			r.ID,
			r.Origin,
			r.Credentials,
			r.ExtraHeaders,
			status,
			time.UnixMilli(r.UpdatedAt).Format(time.DateTime),
		)
	}
	writer.Flush()
}

var ruleListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List stored rules",
	Aliases: []string{"ls"},
	Run: func(cmd *cobra.Command, args []string) {
		rules := appService.Store.GetAll(cmd.Context())
		if ruleListJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if rules == nil {
				rules = []models.Rule{}
			}
			if err := enc.Encode(rules); err != nil {
				fail("encoding rules: %v", err)
			}
			return
		}
		if len(rules) == 0 {
			fmt.Println("No rules stored.")
			return
		}
		printRules(rules)
	},
}

var ruleAddCmd = &cobra.Command{
	Use:   "add <origin>",
	Short: "Add a rule allowing cross-origin requests from origin",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		opts := models.RuleOptions{
			Origin:       args[0],
			ExtraHeaders: ruleExtraHeaders,
			Disabled:     ruleDisabled,
		}
		if cmd.Flags().Changed("credentials") {
			opts.Credentials = &ruleCredentials
		}

		rule, ok, err := appService.Store.Add(cmd.Context(), opts)
		if err != nil {
			fail("%v", err)
		}
		if !ok {
			fail("an enabled rule for '%s' already exists or the rule limit is reached", args[0])
		}
		fmt.Printf("Rule %d added for %s.\n", rule.ID, rule.Origin)
	},
}

var ruleUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update fields of an existing rule",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		patch := models.RulePatch{ID: parseRuleID(args[0])}
		flags := cmd.Flags()
		if flags.Changed("origin") {
			patch.Origin = &ruleOrigin
		}
		if flags.Changed("credentials") {
			patch.Credentials = &ruleCredentials
		}
		if flags.Changed("headers") {
			patch.ExtraHeaders = &ruleExtraHeaders
		}
		if flags.Changed("disabled") {
			patch.Disabled = &ruleDisabled
		}
		if patch.Origin == nil && patch.Credentials == nil && patch.ExtraHeaders == nil && patch.Disabled == nil {
			fail("nothing to update; pass at least one of --origin, --credentials, --headers, --disabled")
		}
		applyPatch(cmd, patch)
	},
}

func applyPatch(cmd *cobra.Command, patch models.RulePatch) {
	if _, exists := appService.Store.Get(cmd.Context(), patch.ID); !exists {
		fail("rule %d not found", patch.ID)
	}
	rule, ok, err := appService.Store.Update(cmd.Context(), patch)
	if err != nil {
		fail("%v", err)
	}
	if !ok {
		fail("another enabled rule already holds this origin")
	}
	logger.Info("CLI: rule %d updated", rule.ID)
	printRules([]models.Rule{rule})
}

func toggleCmd(use, short string, disabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			d := disabled
			applyPatch(cmd, models.RulePatch{ID: parseRuleID(args[0]), Disabled: &d})
		},
	}
}

var ruleRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Short:   "Remove a rule",
	Aliases: []string{"rm", "delete"},
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parseRuleID(args[0])
		ok, err := appService.Store.Remove(cmd.Context(), id)
		if err != nil {
			fail("%v", err)
		}
		if !ok {
			fail("rule %d not found", id)
		}
		fmt.Printf("Rule %d removed.\n", id)
	},
}

var ruleReorderCmd = &cobra.Command{
	Use:   "reorder",
	Short: "Renumber rule IDs to 1..n in list order",
	Run: func(cmd *cobra.Command, args []string) {
		changed, err := appService.Store.Reorder(cmd.Context())
		if err != nil {
			fail("%v", err)
		}
		if !changed {
			fmt.Println("Rule IDs are already sequential.")
			return
		}
		fmt.Println("Rules renumbered.")
	},
}

func init() {
	ruleListCmd.Flags().BoolVar(&ruleListJSON, "json", false, "Print rules as JSON")

	ruleAddCmd.Flags().BoolVar(&ruleCredentials, "credentials", false, "Echo the origin and allow credentials (default from settings)")
	ruleAddCmd.Flags().StringVar(&ruleExtraHeaders, "headers", "", "Comma-separated extra request headers to allow")
	ruleAddCmd.Flags().BoolVar(&ruleDisabled, "disabled", false, "Store the rule disabled")

	ruleUpdateCmd.Flags().StringVar(&ruleOrigin, "origin", "", "New origin")
	ruleUpdateCmd.Flags().BoolVar(&ruleCredentials, "credentials", false, "Echo the origin and allow credentials")
	ruleUpdateCmd.Flags().StringVar(&ruleExtraHeaders, "headers", "", "Comma-separated extra request headers to allow")
	ruleUpdateCmd.Flags().BoolVar(&ruleDisabled, "disabled", false, "Disable the rule")

	ruleCmd.AddCommand(ruleListCmd, ruleAddCmd, ruleUpdateCmd, toggleCmd("enable", "Enable a rule", false), toggleCmd("disable", "Disable a rule without removing it", true), ruleRemoveCmd, ruleReorderCmd)
	rootCmd.AddCommand(ruleCmd)
}
