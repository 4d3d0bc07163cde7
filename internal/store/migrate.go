package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const migrationsTable = "schema_migrations"

// Migrate brings db up to the newest embedded migration for dialect. A
// database that is already current is left alone. db stays open.
func Migrate(db *sql.DB, dialect Dialect) error {
	if db == nil {
		return fmt.Errorf("missing db")
	}

	src, err := iofs.New(migrationsFS, "migrations/"+string(dialect))
	if err != nil {
		return fmt.Errorf("failed to create source driver: %w", err)
	}

	var (
		driver database.Driver
		conn   *sql.Conn
	)
	switch dialect {
	case DialectPostgres:
		// Closing a driver built on a conn leaves db open.
		conn, err = db.Conn(context.Background())
		if err != nil {
			_ = src.Close()
			return fmt.Errorf("failed to reserve connection: %w", err)
		}
		driver, err = postgres.WithConnection(context.Background(), conn, &postgres.Config{
			MigrationsTable: migrationsTable,
		})
	case DialectSQLite:
		driver, err = sqlite.WithInstance(db, &sqlite.Config{
			MigrationsTable: migrationsTable,
		})
	default:
		_ = src.Close()
		return fmt.Errorf("unsupported dialect: %s", dialect)
	}
	if err != nil {
		_ = src.Close()
		if conn != nil {
			_ = conn.Close()
		}
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(dialect), driver)
	if err != nil {
		_ = src.Close()
		if conn != nil {
			_ = conn.Close()
		}
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	upErr := m.Up()
	if dialect == DialectPostgres {
		_, _ = m.Close()
	} else {
		// The sqlite driver closes the *sql.DB it wraps.
		_ = src.Close()
	}
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", upErr)
	}
	return nil
}
