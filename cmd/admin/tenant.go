package main

import (
	"context"
	"fmt"

	"github.com/api200/gateway/internal/models"
	"github.com/spf13/cobra"
)

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	var limit int64
	create := &cobra.Command{
		Use:   "create <email>",
		Short: "Create a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, st, closeDB, err := openStore()
			if err != nil {
				return err
			}
			defer closeDB()

			t := &models.Tenant{Email: args[0], MonthlyCallLimit: limit}
			if err := st.CreateTenant(context.Background(), t); err != nil {
				return err
			}
			fmt.Printf("Tenant created: %s (%s, limit %d/month)\n", t.ID, t.Email, t.MonthlyCallLimit)
			return nil
		},
	}
	create.Flags().Int64Var(&limit, "limit", 0, "Monthly call limit (0 = unlimited)")

	cmd.AddCommand(create)
	return cmd
}
