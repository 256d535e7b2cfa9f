package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dealbrain/dealbrain/internal/types"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <listing-id>",
	Short: "Print a listing's valuation breakdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		b, err := a.valuation.Evaluate(cmd.Context(), types.TenantID(tenant), types.ListingID(args[0]))
		if err != nil {
			return err
		}
		return printJSON(cmd, b)
	},
}

func init() {
	evaluateCmd.Flags().String("tenant", "", "tenant whose customer ruleset applies")
	rootCmd.AddCommand(evaluateCmd)
}
