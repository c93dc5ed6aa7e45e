package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-governance-kernel/internal/infra"
	"github.com/xela07ax/spaceai-governance-kernel/internal/infra/auth"
)

var (
	tokenUser   string
	tokenScopes []string
	tokenTTL    time.Duration
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "operator or service account ID (required)")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", nil, "granted scopes, e.g. kernel.intercept,audit.read,pii.read")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default: auth.token_ttl)")
	_ = tokenCmd.MarkFlagRequired("user")
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an RS256 access token for the operator API",
	RunE:  runToken,
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := infra.LoadConfig(configFile)
	if err != nil {
		return err
	}
	if len(cfg.Auth.PrivateKey) == 0 {
		return errors.New("auth.private_key_path (or AUTH_PRIVATE_KEY_DATA) is required to issue tokens")
	}
	key, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		return err
	}
	ttl := tokenTTL
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}

	token, err := auth.IssueToken(key, cfg.Auth.Issuer, tokenUser, tokenScopes, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
