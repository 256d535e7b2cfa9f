package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dealbrain/dealbrain/internal/types"
)

var rulesetsCmd = &cobra.Command{
	Use:   "rulesets",
	Short: "List rulesets and assign them to tenants",
}

var rulesetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every ruleset version",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		rs, err := a.store.ListRulesets(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tVERSION\tACTIVE\tBASELINE")
		for _, r := range rs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\n", r.ID, r.Name, r.Version, r.IsActive, r.IsBaseline())
		}
		return w.Flush()
	},
}

var rulesetsAssignCmd = &cobra.Command{
	Use:   "assign <tenant> <ruleset-id>",
	Short: "Make a ruleset the tenant's active customer ruleset",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := types.ParseRulesetID(args[1])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.valuation.SetTenantRuleset(cmd.Context(), types.TenantID(args[0]), id); err != nil {
			return err
		}
		// The listener queued the tenant's listings; price them now.
		stats, err := a.queue.Drain(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, stats)
	},
}

func init() {
	rulesetsCmd.AddCommand(rulesetsListCmd, rulesetsAssignCmd)
	rootCmd.AddCommand(rulesetsCmd)
}
