package database

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version VARCHAR(255) PRIMARY KEY,
		applied_at TIMESTAMPTZ DEFAULT NOW()
	)`

// AppliedMigrations returns the applied migration versions in order.
func AppliedMigrations(ctx context.Context, db *sqlx.DB) ([]string, error) {
	if _, err := db.ExecContext(ctx, migrationsTable); err != nil {
		return nil, fmt.Errorf("create migrations table: %w", err)
	}
	var versions []string
	if err := db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations ORDER BY version"); err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	return versions, nil
}

// PendingMigrations returns the sorted migration files not in applied.
func PendingMigrations(applied []string) ([]string, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	done := make(map[string]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	var files []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") && !done[e.Name()] {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// Migrate applies every pending migration, each in its own transaction, and
// returns the versions it applied.
func Migrate(ctx context.Context, db *sqlx.DB, logger *zap.Logger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	applied, err := AppliedMigrations(ctx, db)
	if err != nil {
		return nil, err
	}
	files, err := PendingMigrations(applied)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, file := range files {
		content, err := migrationsFS.ReadFile("migrations/" + file)
		if err != nil {
			return done, fmt.Errorf("read migration %s: %w", file, err)
		}

		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return done, fmt.Errorf("begin transaction for %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return done, fmt.Errorf("execute migration %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", file); err != nil {
			_ = tx.Rollback()
			return done, fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return done, fmt.Errorf("commit migration %s: %w", file, err)
		}

		logger.Info("applied migration", zap.String("version", file))
		done = append(done, file)
	}
	return done, nil
}
