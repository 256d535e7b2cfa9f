package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dealbrain/dealbrain/internal/types"
)

var recalcCmd = &cobra.Command{
	Use:   "recalc",
	Short: "Re-price listings and store their valuations",
	Long: `Re-prices every listing under a ruleset (--ruleset) or the given listings
for one tenant (--tenant with --listing), then stores the valuations and
refreshes the breakdown cache.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rulesetID, _ := cmd.Flags().GetString("ruleset")
		tenant, _ := cmd.Flags().GetString("tenant")
		listings, _ := cmd.Flags().GetStringSlice("listing")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		switch {
		case rulesetID != "":
			id, err := types.ParseRulesetID(rulesetID)
			if err != nil {
				return err
			}
			if err := a.queue.EnqueueRuleset(cmd.Context(), id); err != nil {
				return err
			}
		case len(listings) > 0:
			ids := make([]types.ListingID, len(listings))
			for i, l := range listings {
				ids[i] = types.ListingID(l)
			}
			a.queue.Enqueue(types.TenantID(tenant), ids...)
		default:
			return fmt.Errorf("one of --ruleset and --listing is required")
		}

		stats, err := a.queue.Drain(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, stats)
	},
}

func init() {
	recalcCmd.Flags().String("ruleset", "", "ruleset whose tenants are re-priced")
	recalcCmd.Flags().String("tenant", "", "tenant for --listing (empty prices against the baseline only)")
	recalcCmd.Flags().StringSlice("listing", nil, "listing ids to re-price")
	rootCmd.AddCommand(recalcCmd)
}
