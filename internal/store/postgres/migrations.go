package postgres

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// migrationsTable keeps the journal's schema version apart from any
// migrations the hosting database already tracks.
const migrationsTable = "jobagent_schema_migrations"

//go:embed migrations/*.sql
var migrationFS embed.FS

func journalSchema() (source.Driver, error) {
	return iofs.New(migrationFS, "migrations")
}

// Migrate creates or upgrades the unreported outcome journal tables.
func Migrate(db *sql.DB) error {
	src, err := journalSchema()
	if err != nil {
		return fmt.Errorf("journal schema: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return fmt.Errorf("journal schema driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("journal schema migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate outcome journal: %w", err)
	}
	return nil
}
