package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/api200/gateway/internal/auth"
	"github.com/api200/gateway/internal/config"
	"github.com/api200/gateway/internal/store"
	"github.com/spf13/cobra"
)

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Issue and revoke tenant API keys",
	}

	var rotate string
	issue := &cobra.Command{
		Use:   "issue <tenant-id>",
		Short: "Issue a new API key; the raw key is shown once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, st, closeDB, err := openStore()
			if err != nil {
				return err
			}
			defer closeDB()
			ctx := context.Background()

			rawKey, err := auth.GenerateAPIKey()
			if err != nil {
				return err
			}
			if err := st.CreateAPIKey(ctx, args[0], store.HashKey(rawKey)); err != nil {
				return err
			}

			if rotate != "" {
				if err := revoke(ctx, cfg, st, rotate); err != nil {
					return fmt.Errorf("new key issued but rotation failed: %w", err)
				}
			}

			fmt.Println("API key (store it now, it cannot be shown again):")
			fmt.Println(rawKey)
			return nil
		},
	}
	issue.Flags().StringVar(&rotate, "rotate", "", "Raw key to revoke once the new key exists")

	revokeCmd := &cobra.Command{
		Use:   "revoke <raw-key>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, st, closeDB, err := openStore()
			if err != nil {
				return err
			}
			defer closeDB()

			if err := revoke(context.Background(), cfg, st, args[0]); err != nil {
				return err
			}
			fmt.Println("API key revoked")
			return nil
		},
	}

	cmd.AddCommand(issue, revokeCmd)
	return cmd
}

// revoke deletes the key and drops its cached lookup so gateway nodes stop
// accepting it.
func revoke(ctx context.Context, cfg *config.Config, st store.Store, rawKey string) error {
	if err := st.RevokeAPIKey(ctx, store.HashKey(rawKey)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("unknown API key")
		}
		return err
	}

	if !cfg.Redis.Enabled {
		return nil
	}
	shared, closeCache, err := openSharedCache(cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	return auth.NewGate(st, shared, nil).InvalidateKey(ctx, rawKey)
}
