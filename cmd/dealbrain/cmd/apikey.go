package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dealbrain/dealbrain/internal/core/auth"
	"github.com/dealbrain/dealbrain/internal/core/config"
	"github.com/dealbrain/dealbrain/internal/types"
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Issue and revoke API keys",
}

func authenticator(cmd *cobra.Command) (*auth.Authenticator, *app, error) {
	secrets, err := config.HMACSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	a, err := openApp(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	return auth.NewAuthenticator(secrets, a.store.Queries()), a, nil
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a key for a tenant; the key is printed once",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		name, _ := cmd.Flags().GetString("name")
		secretID, _ := cmd.Flags().GetString("secret-id")

		authn, a, err := authenticator(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		issued, err := authn.Issue(cmd.Context(), secretID, types.TenantID(tenant), name)
		if err != nil {
			return err
		}
		return printJSON(cmd, issued)
	},
}

var apikeyRevokeCmd = &cobra.Command{
	Use:   "revoke <api-key-id>",
	Short: "Revoke a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		authn, a, err := authenticator(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		return authn.Revoke(cmd.Context(), args[0])
	},
}

func init() {
	apikeyCreateCmd.Flags().String("tenant", "", "tenant the key authenticates as")
	apikeyCreateCmd.Flags().String("name", "", "label for the key")
	apikeyCreateCmd.Flags().String("secret-id", "", "HMAC secret to sign with (required when several are configured)")
	_ = apikeyCreateCmd.MarkFlagRequired("tenant")
	apikeyCmd.AddCommand(apikeyCreateCmd, apikeyRevokeCmd)
	rootCmd.AddCommand(apikeyCmd)
}
