package database

import (
	"database/sql"
	stderrors "errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"
)

// Migrator applies the SQL files under a migrations directory.
type Migrator struct {
	m      *migrate.Migrate
	logger *zap.Logger
}

// NewMigrator binds the migrations in dir to db. The migration driver pins
// one connection of db until Close.
func NewMigrator(db *sql.DB, dir string, logger *zap.Logger) (*Migrator, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve migrations path: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+filepath.ToSlash(abs), "postgres", driver)
	if err != nil {
		_ = driver.Close()
		return nil, fmt.Errorf("failed to load migrations from %s: %w", dir, err)
	}
	return &Migrator{m: m, logger: logger.With(zap.String("component", "migrator"))}, nil
}

// Close releases the pinned connection and closes db.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.m.Close()
	if srcErr != nil {
		return fmt.Errorf("failed to close migration source: %w", srcErr)
	}
	if dbErr != nil {
		return fmt.Errorf("failed to close migration database: %w", dbErr)
	}
	return nil
}

// Up applies steps pending migrations, or all of them when steps is 0.
func (m *Migrator) Up(steps int) error {
	var err error
	if steps > 0 {
		err = m.m.Steps(steps)
	} else {
		err = m.m.Up()
	}
	return m.done("up", err)
}

// Down rolls back steps migrations, or all of them when steps is 0.
func (m *Migrator) Down(steps int) error {
	var err error
	if steps > 0 {
		err = m.m.Steps(-steps)
	} else {
		err = m.m.Down()
	}
	return m.done("down", err)
}

// Version reports the applied version and whether the last run left it dirty.
func (m *Migrator) Version() (uint, bool, error) {
	v, dirty, err := m.m.Version()
	if stderrors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

func (m *Migrator) done(direction string, err error) error {
	if err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	v, dirty, _ := m.Version()
	m.logger.Info("Migrations applied",
		zap.String("direction", direction),
		zap.Uint("version", v),
		zap.Bool("dirty", dirty),
		zap.Bool("changed", err == nil))
	return nil
}
