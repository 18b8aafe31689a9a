package repository

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"

	"newsletter-go/internal/logging"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationTable = "schema_migrations"

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB, logger *logging.ContextLogger) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(&gooseLogger{logger})
	goose.SetTableName(migrationTable)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

type gooseLogger struct {
	logger *logging.ContextLogger
}

func (g *gooseLogger) Printf(format string, args ...interface{}) {
	g.logger.Infof(format, args...)
}

// Fatalf logs at error level instead of exiting; goose returns the error.
func (g *gooseLogger) Fatalf(format string, args ...interface{}) {
	g.logger.Errorf(format, args...)
}
