package changelog

import (
	"context"
	"time"

	"github.com/finhorizon/plansync/internal/server/models"
)

// ListFilter narrows a history listing. Zero values mean "no filter";
// a Limit of zero falls back to the implementation default.
type ListFilter struct {
	EntityType models.EntityType
	EntityID   string
	Limit      int
}

// Repository is the append-only change log. Individual records are never
// updated or deleted; the only removal path is bulk purge past the
// retention window.
type Repository interface {
	Insert(ctx context.Context, rec *models.ChangeRecord) error

	// List returns records for userID, newest first.
	List(ctx context.Context, userID string, filter ListFilter) ([]*models.ChangeRecord, error)

	// PurgeOlderThan removes records with a server timestamp before cutoff
	// and returns how many were removed.
	PurgeOlderThan(ctx context.Context, userID string, cutoff time.Time) (int64, error)

	// PurgeAllOlderThan is the retention job variant: purge across users.
	PurgeAllOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
