package cmd

import (
	"context"
	"fmt"

	"github.com/mfenderov/gigsync/internal/catalog"
	"github.com/mfenderov/gigsync/internal/db"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the catalog schema",
	Long: `Apply the catalog schema to PostgreSQL. Safe to run repeatedly.

Example:
  GIGSYNC_POSTGRES_DSN=postgres://... gigsync migrate`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := db.Open(ctx, GetConfig().Postgres)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := catalog.New(store).Migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date.")
	return nil
}
