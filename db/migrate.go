package db

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// findMigrationsPath locates db/migrations relative to the working directory,
// covering both repo-root and in-package execution.
func findMigrationsPath() (string, error) {
	candidates := []string{"db/migrations", "migrations"}
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			abs, err := filepath.Abs(path)
			if err != nil {
				return "", fmt.Errorf("resolve migrations path %s: %w", path, err)
			}
			return "file://" + abs, nil
		}
	}
	return "", fmt.Errorf("migrations directory not found, tried %v", candidates)
}

// RunMigrations applies all pending versioned migrations from db/migrations.
// Idempotent. When the migrations directory is not present (e.g. a bare
// binary deployment) callers fall back to Migrate.
func RunMigrations(db *sql.DB) error {
	path, err := findMigrationsPath()
	if err != nil {
		return err
	}
	return RunMigrationsFromPath(db, path)
}

// RunMigrationsFromPath applies migrations from an explicit file:// source.
func RunMigrationsFromPath(db *sql.DB, migrationsPath string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("database schema is up to date", slog.String("component", "db_migrate"))
			return nil
		}
		return fmt.Errorf("run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		slog.Warn("could not determine migration version", slog.Any("error", err), slog.String("component", "db_migrate"))
		return nil
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d", version)
	}
	slog.Info("migrations applied",
		slog.Uint64("version", uint64(version)),
		slog.String("component", "db_migrate"))
	return nil
}
