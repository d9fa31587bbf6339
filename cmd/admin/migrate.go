package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the gateway schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, _, closeDB, err := openStore()
			if err != nil {
				return err
			}
			defer closeDB()

			if err := db.Migrate(); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Database migration completed successfully (%s)\n", cfg.Database.Type)
			return nil
		},
	}
}
