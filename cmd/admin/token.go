package main

import (
	"fmt"
	"time"

	"github.com/api200/gateway/internal/auth"
	"github.com/api200/gateway/internal/config"
	"github.com/spf13/cobra"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Admin API bearer tokens",
	}

	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint <subject>",
		Short: "Mint an admin token signed with ADMIN_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if ttl <= 0 {
				ttl = cfg.Admin.JWTExpiration
			}

			token, expiresAt, err := auth.MintAdminToken(args[0], cfg.Admin.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			fmt.Printf("Expires: %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	mint.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default ADMIN_JWT_EXPIRATION)")

	cmd.AddCommand(mint)
	return cmd
}
