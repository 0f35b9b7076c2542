package httpapi

import (
	"context"
	"time"

	"github.com/finhorizon/plansync/internal/server/models"
	"github.com/finhorizon/plansync/internal/server/repositories/changelog"
)

// Syncer is the engine surface the session controller consumes; defined here
// so handlers depend only on what they call.
type Syncer interface {
	PushBatch(ctx context.Context, userID string, since *time.Time, changes []*models.Change) (*models.SyncResult, error)
	ForceFullResync(ctx context.Context, userID string) (*models.SyncResult, error)
	Status(ctx context.Context, userID string) (*models.SyncStatus, error)
	History(ctx context.Context, userID string, filter changelog.ListFilter) ([]*models.ChangeRecord, error)
}
