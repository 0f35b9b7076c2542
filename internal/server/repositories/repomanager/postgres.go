// Package repomanager provides a concrete RepositoryManager for PostgreSQL,
// wiring together repository constructors and database migrations (via goose).
package repomanager

import (
	"context"
	"database/sql"

	"github.com/finhorizon/plansync/internal/dbx"
	"github.com/finhorizon/plansync/internal/server/migrations"
	"github.com/finhorizon/plansync/internal/server/repositories/changelog"
	"github.com/finhorizon/plansync/internal/server/repositories/entities"
	"github.com/finhorizon/plansync/internal/server/repositories/syncstatus"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// PostgresRepositoryManager vends PostgreSQL-backed repository
// implementations and exposes a schema migration hook.
type PostgresRepositoryManager struct{}

// NewPostgresRepositoryManager constructs a PostgreSQL-backed RepositoryManager.
func NewPostgresRepositoryManager() RepositoryManager {
	return &PostgresRepositoryManager{}
}

// Entities returns an entities.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Entities(db dbx.DBTX) entities.Repository {
	return entities.NewPostgresRepository(db)
}

// ChangeLog returns a changelog.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) ChangeLog(db dbx.DBTX) changelog.Repository {
	return changelog.NewPostgresRepository(db)
}

// SyncStatus returns a syncstatus.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) SyncStatus(db dbx.DBTX) syncstatus.Repository {
	return syncstatus.NewPostgresRepository(db)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations sets up goose with the embedded migrations and runs them
// against the provided database connection.
func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}
