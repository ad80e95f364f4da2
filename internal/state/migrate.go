package state

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const (
	stateMigrationsPath = "migrations/state"
	cacheMigrationsPath = "migrations/cache"

	migrationsTable = "schema_migrations"
)

//go:embed migrations/state/*.sql migrations/cache/*.sql
var migrationsFS embed.FS

// MigrateStateDB brings state.db up to the newest embedded schema version.
func MigrateStateDB(db *sql.DB) error {
	return migrateSQLiteDB(db, stateMigrationsPath)
}

// MigrateCacheDB brings cache.db up to the newest embedded schema version.
func MigrateCacheDB(db *sql.DB) error {
	return migrateSQLiteDB(db, cacheMigrationsPath)
}

func migrateSQLiteDB(db *sql.DB, fsPath string) error {
	if db == nil {
		return fmt.Errorf("migrate %s: nil db handle", fsPath)
	}

	src, err := iofs.New(migrationsFS, fsPath)
	if err != nil {
		return fmt.Errorf("migrate %s: open embedded source: %w", fsPath, err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		return fmt.Errorf("migrate %s: wrap sqlite driver: %w", fsPath, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrate %s: build migrator: %w", fsPath, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: apply: %w", fsPath, err)
	}
	return nil
}
