package sqlstore

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/mysql/*.sql migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// Migrate runs all pending migrations for the dialect.
func Migrate(db *sql.DB, d Dialect) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect(d.gooseDialect()); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations/"+string(d)); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}
