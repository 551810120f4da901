package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noah-isme/faceattend-api/pkg/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Apply every embedded SQL migration that has not run yet, each in its own
transaction.

Examples:
  # Show what would run
  faceattendctl migrate --status

  # Apply
  faceattendctl migrate`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().Bool("status", false, "List pending migrations without applying them")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	statusOnly, _ := cmd.Flags().GetBool("status")

	cfg, logr, err := loadConfig()
	if err != nil {
		return err
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close() //nolint:errcheck

	if statusOnly {
		applied, err := database.AppliedMigrations(ctx, db)
		if err != nil {
			return err
		}
		pending, err := database.PendingMigrations(applied)
		if err != nil {
			return err
		}
		fmt.Printf("%d applied, %d pending\n", len(applied), len(pending))
		for _, name := range pending {
			fmt.Println("  pending:", name)
		}
		return nil
	}

	done, err := database.Migrate(ctx, db, logr)
	if err != nil {
		return err
	}
	if len(done) == 0 {
		fmt.Println("schema is up to date")
		return nil
	}
	for _, name := range done {
		fmt.Println("applied:", name)
	}
	return nil
}
