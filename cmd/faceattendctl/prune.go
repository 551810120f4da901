package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/noah-isme/faceattend-api/pkg/storage"
)

var pruneCmd = &cobra.Command{
	Use:   "prune-media",
	Short: "Delete verification snapshots older than a retention period",
	Long: `Remove clock-in and clock-out snapshots older than --older-than from the
media store. Enrollment thumbnails are never pruned.

Examples:
  faceattendctl prune-media --older-than 2160h`,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().Duration("older-than", 90*24*time.Hour, "Retention period")
}

func runPrune(cmd *cobra.Command, args []string) error {
	ttl, _ := cmd.Flags().GetDuration("older-than")
	if ttl <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := storage.NewLocalStorage(cfg.Storage.MediaDir)
	if err != nil {
		return err
	}
	deleted, err := store.CleanupOlderThan("snapshots", ttl)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d snapshots\n", len(deleted))
	return nil
}
