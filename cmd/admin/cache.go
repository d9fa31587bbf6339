package main

import (
	"context"
	"fmt"

	"github.com/api200/gateway/internal/cache"
	"github.com/api200/gateway/internal/config"
	"github.com/api200/gateway/internal/store"
	"github.com/spf13/cobra"
)

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and invalidate the shared gateway cache",
	}

	var tenantID, service, endpointID, apiKey string
	invalidate := &cobra.Command{
		Use:   "invalidate",
		Short: "Drop cached routes, responses or API key lookups",
		RunE: func(cmd *cobra.Command, args []string) error {
			if service != "" && tenantID == "" {
				return fmt.Errorf("--tenant is required with --service")
			}
			if service == "" && endpointID == "" && apiKey == "" {
				return fmt.Errorf("nothing to invalidate: pass --service, --endpoint or --api-key")
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			shared, closeCache, err := openSharedCache(cfg)
			if err != nil {
				return err
			}
			defer closeCache()

			ctx := context.Background()
			inv := cache.NewInvalidator(shared)

			if service != "" {
				if err := inv.Route(ctx, tenantID, service); err != nil {
					return err
				}
				fmt.Printf("Routes invalidated for %s/%s\n", tenantID, service)
			}
			if endpointID != "" {
				if err := inv.Responses(ctx, endpointID); err != nil {
					return err
				}
				fmt.Printf("Responses invalidated for endpoint %s\n", endpointID)
			}
			if apiKey != "" {
				if err := inv.APIKey(ctx, store.HashKey(apiKey)); err != nil {
					return err
				}
				fmt.Println("API key lookup invalidated")
			}
			return nil
		},
	}
	invalidate.Flags().StringVar(&tenantID, "tenant", "", "Tenant id owning --service")
	invalidate.Flags().StringVar(&service, "service", "", "Service name whose routes to drop")
	invalidate.Flags().StringVar(&endpointID, "endpoint", "", "Endpoint id whose cached responses to drop")
	invalidate.Flags().StringVar(&apiKey, "api-key", "", "Raw API key whose lookup to drop")

	cmd.AddCommand(invalidate)
	return cmd
}
