package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noah-isme/faceattend-api/internal/bootstrap"
	"github.com/noah-isme/faceattend-api/pkg/config"
	"github.com/noah-isme/faceattend-api/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "faceattendctl",
	Short: "Operator tooling for the FaceAttend API",
	Long: `faceattendctl runs maintenance tasks against the FaceAttend database and
media store: schema migrations, bulk enrollment from capture folders,
pgvector backfill, media retention and token minting for service accounts.

Configuration is read from the environment and an optional .env file, the
same way the API server reads it.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logr, err := logger.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logr, nil
}

// openContainer builds the full service graph. Schema migration is left to
// the migrate command.
func openContainer(ctx context.Context) (*bootstrap.Container, error) {
	cfg, logr, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Database.AutoMigrate = false
	return bootstrap.New(ctx, cfg, logr)
}
