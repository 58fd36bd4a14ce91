package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/deck-assistant/internal/middleware"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a signed API token",
	Long:  `Mint an HS256 token for a tenant and user, signed with JWT_SECRET unless --secret is given.`,
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().String("tenant", "", "Tenant ID (required)")
	tokenCmd.Flags().String("user", "", "User ID (required)")
	tokenCmd.Flags().String("secret", "", "Signing secret (default: $JWT_SECRET)")
	tokenCmd.Flags().StringSlice("scope", nil, "Scopes to grant")
	tokenCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("tenant")
	_ = tokenCmd.MarkFlagRequired("user")
}

func runToken(cmd *cobra.Command, _ []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	user, _ := cmd.Flags().GetString("user")
	secret, _ := cmd.Flags().GetString("secret")
	scopes, _ := cmd.Flags().GetStringSlice("scope")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	if secret == "" {
		return fmt.Errorf("no signing secret: set --secret or JWT_SECRET")
	}

	token, err := middleware.IssueToken(secret, user, tenant, scopes, ttl)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
