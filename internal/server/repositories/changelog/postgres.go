// Package changelog provides the PostgreSQL-backed append-only audit log of
// every mutation the reconciliation engine processed.
package changelog

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/finhorizon/plansync/internal/dbx"
	"github.com/finhorizon/plansync/internal/server/models"
)

// DefaultListLimit bounds history listings when the caller does not supply
// a limit.
const DefaultListLimit = 100

// PostgresRepository implements the change log over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, rec *models.ChangeRecord) error {
	query := `
		INSERT INTO change_log (user_id, entity_type, entity_id, surrogate_id, action, outcome, before_data, after_data, client_ts, server_ts, batch_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`
	err := r.db.QueryRowContext(ctx, query,
		rec.UserID, rec.EntityType, rec.EntityID, rec.SurrogateID, rec.Action, rec.Outcome,
		rec.Before, rec.After, rec.ClientTimestamp, rec.ServerTimestamp, rec.BatchID,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context, userID string, filter ListFilter) ([]*models.ChangeRecord, error) {
	query := `SELECT id, user_id, entity_type, entity_id, surrogate_id, action, outcome, before_data, after_data, client_ts, server_ts, batch_id
		FROM change_log WHERE user_id = $1`
	args := []any{userID}

	if filter.EntityType != "" {
		args = append(args, filter.EntityType)
		query += ` AND entity_type = $` + strconv.Itoa(len(args))
	}
	if filter.EntityID != "" {
		args = append(args, filter.EntityID)
		query += ` AND entity_id = $` + strconv.Itoa(len(args))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	args = append(args, limit)
	query += ` ORDER BY server_ts DESC, id DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select change records: %w", err)
	}
	defer rows.Close()

	var result []*models.ChangeRecord
	for rows.Next() {
		var (
			rec       models.ChangeRecord
			surrogate sql.NullInt64
			clientTS  sql.NullTime
		)
		if err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.EntityType, &rec.EntityID, &surrogate,
			&rec.Action, &rec.Outcome, &rec.Before, &rec.After, &clientTS, &rec.ServerTimestamp, &rec.BatchID,
		); err != nil {
			return nil, err
		}
		if surrogate.Valid {
			rec.SurrogateID = &surrogate.Int64
		}
		if clientTS.Valid {
			rec.ClientTimestamp = &clientTS.Time
		}
		result = append(result, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) PurgeOlderThan(ctx context.Context, userID string, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM change_log WHERE user_id = $1 AND server_ts < $2`, userID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) PurgeAllOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM change_log WHERE server_ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}
