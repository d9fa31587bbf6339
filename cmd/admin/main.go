package main

import (
	"fmt"
	"log"
	"os"

	"github.com/api200/gateway/internal/cache"
	"github.com/api200/gateway/internal/config"
	"github.com/api200/gateway/internal/database"
	"github.com/api200/gateway/internal/store"
	"github.com/spf13/cobra"
)

var Version = "dev"

var debugMode bool

func main() {
	rootCmd := &cobra.Command{
		Use:           "admin",
		Short:         "API200 gateway administration",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Log file and line numbers")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if debugMode {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		}
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(secretsCmd())
	rootCmd.AddCommand(cacheCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore loads configuration and connects to the configured database.
// The returned func closes the connection.
func openStore() (*config.Config, database.Conn, store.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	st, err := store.ForConn(db)
	if err != nil {
		db.Close()
		return nil, nil, nil, nil, err
	}
	return cfg, db, st, func() { db.Close() }, nil
}

// openSharedCache connects to the Redis layer the gateway nodes share. The
// in-process layer is skipped; node-local copies expire within LOCAL_CACHE_TTL.
func openSharedCache(cfg *config.Config) (cache.Cache, func(), error) {
	if !cfg.Redis.Enabled {
		return nil, nil, fmt.Errorf("redis is disabled; in-process caches can only be invalidated through POST /admin/cache/invalidate")
	}

	redisClient, err := database.NewRedisClient(cfg.Redis)
	if err != nil {
		return nil, nil, err
	}

	cacheCfg := cache.DefaultConfig()
	cacheCfg.LocalEnabled = false
	layered, err := cache.NewMultiLayerCache(redisClient.Client, cacheCfg)
	if err != nil {
		redisClient.Close()
		return nil, nil, err
	}
	return layered, func() { redisClient.Close() }, nil
}
