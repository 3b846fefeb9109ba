package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/convsync/internal/store/migrations"
)

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// Migrate runs all pending SQLite migrations.
func (s *SQLite) Migrate() (*MigrateResult, error) {
	source, err := iofs.New(migrations.SQLite, "sqlite")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}
	return up(m)
}

// MigratePostgres runs all pending PostgreSQL migrations against dsn.
func MigratePostgres(dsn string) (*MigrateResult, error) {
	source, err := iofs.New(migrations.Postgres, "postgres")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, pgx5URL(dsn))
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}
	defer func() { _, _ = m.Close() }()
	return up(m)
}

func up(m *migrate.Migrate) (*MigrateResult, error) {
	err := m.Up()
	changed := true
	if errors.Is(err, migrate.ErrNoChange) {
		changed = false
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("migration up: %w", err)
	}
	version, dirty, _ := m.Version()
	return &MigrateResult{Version: version, Dirty: dirty, Changed: changed}, nil
}

// pgx5URL rewrites a postgres:// DSN to the scheme the migrate pgx/v5
// driver registers.
func pgx5URL(dsn string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if rest, ok := strings.CutPrefix(dsn, prefix); ok {
			return "pgx5://" + rest
		}
	}
	return dsn
}
