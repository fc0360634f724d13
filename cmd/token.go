package cmd

import (
	"fmt"
	"time"

	"github.com/arcward/gptcord/gptcord"
	"github.com/spf13/cobra"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for the API, signed with api.secret",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ttl := tokenTTL
		if ttl <= 0 {
			ttl = cfg.API.TokenTTL
		}
		token, err := gptcord.NewAPIToken(cfg.API.Secret, tokenSubject, ttl)
		if err != nil {
			return fmt.Errorf("error creating token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "admin", "Token subject, logged with each request")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (default: api.token_ttl)")
	rootCmd.AddCommand(tokenCmd)
}
