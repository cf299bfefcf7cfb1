package cli

import (
	"github.com/spf13/cobra"

	"tick-feed-supervisor/internal/app"
)

var (
	tokenRepair bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Inspect and manage the provider access token",
}

var tokenStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored token against its embedded expiry",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.TokenStatusOptions{
			Repair: tokenRepair,
		}
		return getApp().TokenStatus(cmd.Context(), opts)
	},
}

var tokenRenewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Force one renewal exchange and persist the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().TokenRenew(cmd.Context())
	},
}

func init() {
	tokenStatusCmd.Flags().BoolVar(&tokenRepair, "repair", false, "Rewrite the stored expiry from the token's exp claim")

	tokenCmd.AddCommand(tokenStatusCmd)
	tokenCmd.AddCommand(tokenRenewCmd)
}
