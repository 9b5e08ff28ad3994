package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/compliance-governance-engine/internal/infrastructure/config"
	"github.com/davidleathers/compliance-governance-engine/internal/infrastructure/database"
	"github.com/davidleathers/compliance-governance-engine/internal/infrastructure/telemetry"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		action     = flag.String("action", "up", "Migration action: up, down, status, create")
		name       = flag.String("name", "", "Migration name (for create action)")
		steps      = flag.Int("steps", 0, "Number of migrations to run (0 = all)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger, *action, *name, *steps); err != nil {
		logger.Error("Migration failed", zap.String("action", *action), zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger, action, name string, steps int) error {
	if action == "create" {
		if name == "" {
			return fmt.Errorf("migration name is required for create action")
		}
		files, err := create(cfg.Database.MigrationsPath, name, time.Now())
		if err != nil {
			return err
		}
		logger.Info("Created migration", zap.Strings("files", files))
		return nil
	}

	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	pool, err := database.NewConnectionPool(context.Background(), cfg.Database, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	db := pool.DB()
	defer db.Close()

	migrator, err := database.NewMigrator(db, cfg.Database.MigrationsPath, logger)
	if err != nil {
		return err
	}
	defer migrator.Close()

	switch action {
	case "up":
		return migrator.Up(steps)
	case "down":
		return migrator.Down(steps)
	case "status":
		version, dirty, err := migrator.Version()
		if err != nil {
			return err
		}
		fmt.Printf("version: %d\ndirty: %t\n", version, dirty)
		return nil
	}
	return fmt.Errorf("unknown action %q", action)
}

// create writes an empty up/down pair numbered after the newest migration.
func create(dir, name string, now time.Time) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create migrations directory: %w", err)
	}
	existing, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	seq := len(existing) + 1

	header := fmt.Sprintf("-- %s\n-- created %s\n\n", name, now.UTC().Format(time.RFC3339))
	var files []string
	for _, direction := range []string{"up", "down"} {
		path := filepath.Join(dir, fmt.Sprintf("%06d_%s.%s.sql", seq, name, direction))
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("migration %s already exists", path)
		}
		if err := os.WriteFile(path, []byte(header), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write migration file: %w", err)
		}
		files = append(files, path)
	}
	return files, nil
}
