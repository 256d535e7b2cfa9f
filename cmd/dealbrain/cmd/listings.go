package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dealbrain/dealbrain/internal/types"
)

var listingsCmd = &cobra.Command{
	Use:   "listings",
	Short: "Manage listing snapshots",
}

var listingsImportCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Upsert listings from a JSON array",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("recalc-tenant")
		recalculate := cmd.Flags().Changed("recalc-tenant")

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		var listings []types.Listing
		if err := json.Unmarshal(raw, &listings); err != nil {
			return fmt.Errorf("%s: expected a JSON array of listings: %w", args[0], err)
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		ids := make([]types.ListingID, 0, len(listings))
		for i := range listings {
			if listings[i].ID == "" {
				return fmt.Errorf("listing %d has no id", i)
			}
			if err := a.store.UpsertListing(cmd.Context(), &listings[i]); err != nil {
				return err
			}
			ids = append(ids, listings[i].ID)
		}
		logger.Info("listings imported", "count", len(ids))

		if !recalculate {
			return nil
		}
		a.queue.Enqueue(types.TenantID(tenant), ids...)
		stats, err := a.queue.Drain(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, stats)
	},
}

func init() {
	listingsImportCmd.Flags().String("recalc-tenant", "", "re-price the imported listings for this tenant")
	listingsCmd.AddCommand(listingsImportCmd)
	rootCmd.AddCommand(listingsCmd)
}
