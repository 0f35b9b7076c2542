// Package syncstatus provides the PostgreSQL-backed per-user sync register:
// last watermark, continuation token, in-progress flag and last error.
package syncstatus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/finhorizon/plansync/internal/common"
	"github.com/finhorizon/plansync/internal/dbx"
	"github.com/finhorizon/plansync/internal/server/models"
)

// PostgresRepository implements the sync status register over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, userID string) (*models.SyncStatus, error) {
	query := `SELECT user_id, last_sync_at, sync_token, in_progress, last_error, updated_at
		FROM sync_status WHERE user_id = $1`

	var (
		s        models.SyncStatus
		lastSync sql.NullTime
		lastErr  sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, userID).
		Scan(&s.UserID, &lastSync, &s.SyncToken, &s.InProgress, &lastErr, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	if lastSync.Valid {
		s.LastSyncAt = &lastSync.Time
	}
	if lastErr.Valid {
		s.LastError = &lastErr.String
	}
	return &s, nil
}

func (r *PostgresRepository) Initialize(ctx context.Context, userID string, at time.Time) error {
	query := `
		INSERT INTO sync_status (user_id, in_progress, updated_at)
		VALUES ($1, false, $2)
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, userID, at); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// BeginSession relies on the WHERE clause for atomicity: only one UPDATE can
// observe in_progress = false.
func (r *PostgresRepository) BeginSession(ctx context.Context, userID string, at time.Time) error {
	query := `
		UPDATE sync_status
		SET in_progress = true, updated_at = $2
		WHERE user_id = $1 AND in_progress = false
	`
	res, err := r.db.ExecContext(ctx, query, userID, at)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrSyncInProgress
	}
	return nil
}

func (r *PostgresRepository) CompleteSession(ctx context.Context, userID, token string, at time.Time) error {
	query := `
		UPDATE sync_status
		SET in_progress = false, sync_token = $2, last_sync_at = $3, last_error = NULL, updated_at = $3
		WHERE user_id = $1
	`
	res, err := r.db.ExecContext(ctx, query, userID, token, at)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) FailSession(ctx context.Context, userID, errMsg string, at time.Time) error {
	query := `
		UPDATE sync_status
		SET in_progress = false, last_error = $2, updated_at = $3
		WHERE user_id = $1
	`
	res, err := r.db.ExecContext(ctx, query, userID, errMsg, at)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}
