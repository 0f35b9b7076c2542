package syncstatus

import (
	"context"
	"time"

	"github.com/finhorizon/plansync/internal/server/models"
)

// Repository is the per-user sync status register.
//
// BeginSession is the only admission point for a reconciliation session: it
// flips in_progress with an atomic compare-and-set, so two concurrent
// sessions for one user can never both enter. CompleteSession and
// FailSession are the two release paths; exactly one of them must run for
// every successful BeginSession.
type Repository interface {
	Get(ctx context.Context, userID string) (*models.SyncStatus, error)

	// Initialize creates the register row lazily; it is a no-op when the
	// row already exists.
	Initialize(ctx context.Context, userID string, at time.Time) error

	// BeginSession marks the session in progress. Returns
	// common.ErrSyncInProgress when another session holds the flag.
	BeginSession(ctx context.Context, userID string, at time.Time) error

	// CompleteSession releases the flag, advances the watermark and token,
	// and clears the last error.
	CompleteSession(ctx context.Context, userID, token string, at time.Time) error

	// FailSession releases the flag and records the failure description.
	FailSession(ctx context.Context, userID, errMsg string, at time.Time) error
}
