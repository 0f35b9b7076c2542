package entities

import (
	"context"
	"time"

	"github.com/finhorizon/plansync/internal/server/models"
)

// Repository is the entity store contract consumed by the reconciliation
// engine. Implementations must treat tombstoned rows as invisible to normal
// reads but still reachable when includeDeleted is requested and always
// included in SelectSince, so deletions propagate during sync.
type Repository interface {
	GetByID(ctx context.Context, ownerID, id string, includeDeleted bool) (*models.Entity, error)
	GetBySurrogate(ctx context.Context, ownerID string, entityType models.EntityType, surrogateID int64) (*models.Entity, error)

	// SelectSince returns all entities (tombstones included) with
	// updated_at strictly after since, ascending by updated_at.
	SelectSince(ctx context.Context, ownerID string, since time.Time) ([]*models.Entity, error)

	// SelectLive returns every non-deleted entity for full resync.
	SelectLive(ctx context.Context, ownerID string) ([]*models.Entity, error)

	Insert(ctx context.Context, e *models.Entity) error
	Update(ctx context.Context, e *models.Entity) error

	// SoftDelete tombstones the entity and bumps its version. It reports
	// false, not an error, when there was nothing live to delete.
	SoftDelete(ctx context.Context, ownerID, id string, at time.Time) (bool, error)

	// Restore clears a tombstone, bumps the version and returns the row.
	Restore(ctx context.Context, ownerID, id string, at time.Time) (*models.Entity, error)

	// HardDelete permanently removes the entity, its child models and the
	// dependent change-log rows.
	HardDelete(ctx context.Context, ownerID, id string) (bool, error)
}
