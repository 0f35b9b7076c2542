package repomanager

import (
	"context"
	"database/sql"

	"github.com/finhorizon/plansync/internal/dbx"
	"github.com/finhorizon/plansync/internal/server/repositories/changelog"
	"github.com/finhorizon/plansync/internal/server/repositories/entities"
	"github.com/finhorizon/plansync/internal/server/repositories/syncstatus"
)

// RepositoryManager vends repositories bound to a DBTX, so the same
// repository code runs against the pool or inside a batch transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Entities(db dbx.DBTX) entities.Repository
	ChangeLog(db dbx.DBTX) changelog.Repository
	SyncStatus(db dbx.DBTX) syncstatus.Repository
}
