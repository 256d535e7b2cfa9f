package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dealbrain/dealbrain/internal/types"
)

var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Ingest and hydrate system baseline rulesets",
}

var baselineIngestCmd = &cobra.Command{
	Use:   "ingest <file.json>",
	Short: "Store a baseline source document as the active baseline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetString("version")
		recalculate, _ := cmd.Flags().GetBool("recalc")

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.baseline.Ingest(cmd.Context(), raw, version)
		if err != nil {
			return err
		}
		if res.Created && recalculate {
			if err := a.queue.EnqueueRuleset(cmd.Context(), res.Ruleset.ID); err != nil {
				return err
			}
			if _, err := a.queue.Drain(cmd.Context()); err != nil {
				return err
			}
		}
		return printJSON(cmd, res)
	},
}

var baselineHydrateCmd = &cobra.Command{
	Use:   "hydrate <ruleset-id>",
	Short: "Expand every placeholder rule of a ruleset into editable rules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := types.ParseRulesetID(args[0])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.baseline.HydrateRuleset(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var baselineHydrateRuleCmd = &cobra.Command{
	Use:   "hydrate-rule <rule-id>",
	Short: "Expand one placeholder rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := types.ParseRuleID(args[0])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		rules, err := a.baseline.HydrateRule(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJSON(cmd, rules)
	},
}

var baselineDehydrateCmd = &cobra.Command{
	Use:   "dehydrate <rule-id>",
	Short: "Remove a placeholder's expansions and reactivate it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := types.ParseRuleID(args[0])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		return a.baseline.DehydrateRule(cmd.Context(), id)
	},
}

func init() {
	baselineIngestCmd.Flags().String("version", "1.0.0", "semantic version of the baseline")
	baselineIngestCmd.Flags().Bool("recalc", false, "re-price every listing for every tenant after ingesting")
	baselineCmd.AddCommand(baselineIngestCmd, baselineHydrateCmd, baselineHydrateRuleCmd, baselineDehydrateCmd)
	rootCmd.AddCommand(baselineCmd)
}
