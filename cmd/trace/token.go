package main

import (
	"fmt"
	"time"

	"github.com/jmerrifield20/agrotrace/internal/identity"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue producer tokens offline",
}

var (
	tokKeyPath string
	tokActor   string
	tokIssuer  string
	tokTTL     time.Duration
	tokScopes  []string
)

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Sign a producer token with the server's signing key",
	Long: `issue signs a producer token without contacting the server. It needs read
access to the same RSA key traced loads from auth.key_path, and --issuer must
match the server's auth.issuer.

  trace token issue --key keys/producer-signing.pem --actor coop-jaen`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := identity.ReadPrivateKey(tokKeyPath)
		if err != nil {
			return err
		}
		signed, err := identity.NewTokenIssuer(key, tokIssuer, tokTTL).Issue(tokActor, tokScopes)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		if jsonOutput() {
			return printJSON(map[string]any{
				"token":      signed,
				"actor":      tokActor,
				"scopes":     tokScopes,
				"expires_in": int(tokTTL.Seconds()),
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), signed)
		return nil
	},
}

func init() {
	tokenIssueCmd.Flags().StringVar(&tokKeyPath, "key", "", "PEM-encoded RSA signing key")
	tokenIssueCmd.Flags().StringVar(&tokActor, "actor", "", "Producer the token identifies")
	tokenIssueCmd.Flags().StringVar(&tokIssuer, "issuer", "http://localhost:8080", "Issuer URL (must match the server's auth.issuer)")
	tokenIssueCmd.Flags().DurationVar(&tokTTL, "ttl", 24*time.Hour, "Token lifetime")
	tokenIssueCmd.Flags().StringSliceVar(&tokScopes, "scope", []string{identity.ScopeWrite}, "Scopes to grant (ledger:write, ledger:admin)")

	_ = tokenIssueCmd.MarkFlagRequired("key")
	_ = tokenIssueCmd.MarkFlagRequired("actor")

	tokenCmd.AddCommand(tokenIssueCmd)
}
