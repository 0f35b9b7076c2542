// Package entities provides the PostgreSQL-backed entity store: versioned,
// soft-deletable project and model rows with the lookups the reconciliation
// engine needs (by id, by client surrogate, modified-since).
package entities

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

const entityColumns = `id, entity_type, owner_id, surrogate_id, parent_id, version, payload, created_at, updated_at, deleted_at`

// PostgresRepository implements the entity store over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*models.Entity, error) {
	var (
		e         models.Entity
		surrogate sql.NullInt64
		parent    sql.NullString
		deleted   sql.NullTime
	)
	err := row.Scan(&e.ID, &e.EntityType, &e.OwnerID, &surrogate, &parent,
		&e.Version, &e.Payload, &e.CreatedAt, &e.UpdatedAt, &deleted)
	if err != nil {
		return nil, err
	}
	if surrogate.Valid {
		e.SurrogateID = &surrogate.Int64
	}
	if parent.Valid {
		e.ParentID = &parent.String
	}
	if deleted.Valid {
		e.DeletedAt = &deleted.Time
	}
	return &e, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, ownerID, id string, includeDeleted bool) (*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE owner_id = $1 AND id = $2`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}

	e, err := scanEntity(r.db.QueryRowContext(ctx, query, ownerID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return e, nil
}

func (r *PostgresRepository) GetBySurrogate(ctx context.Context, ownerID string, entityType models.EntityType, surrogateID int64) (*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities
		WHERE owner_id = $1 AND entity_type = $2 AND surrogate_id = $3`

	e, err := scanEntity(r.db.QueryRowContext(ctx, query, ownerID, entityType, surrogateID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return e, nil
}

func (r *PostgresRepository) selectMany(ctx context.Context, query string, args ...any) ([]*models.Entity, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select entities: %w", err)
	}
	defer rows.Close()

	var result []*models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// SelectSince includes tombstoned rows: a deletion is a change the client
// must learn about. Ordering is (updated_at, id) so rows sharing one batch
// timestamp come back in a stable order.
func (r *PostgresRepository) SelectSince(ctx context.Context, ownerID string, since time.Time) ([]*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities
		WHERE owner_id = $1 AND updated_at > $2
		ORDER BY updated_at ASC, id ASC`
	return r.selectMany(ctx, query, ownerID, since)
}

func (r *PostgresRepository) SelectLive(ctx context.Context, ownerID string) ([]*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities
		WHERE owner_id = $1 AND deleted_at IS NULL
		ORDER BY updated_at ASC, id ASC`
	return r.selectMany(ctx, query, ownerID)
}

func (r *PostgresRepository) Insert(ctx context.Context, e *models.Entity) error {
	query := `
		INSERT INTO entities (id, entity_type, owner_id, surrogate_id, parent_id, version, payload, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.EntityType, e.OwnerID, e.SurrogateID, e.ParentID,
		e.Version, e.Payload, e.CreatedAt, e.UpdatedAt, e.DeletedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Update persists a merged entity. ID, entity_type, owner_id and created_at
// never change after insert.
func (r *PostgresRepository) Update(ctx context.Context, e *models.Entity) error {
	query := `
		UPDATE entities
		SET parent_id = $3, version = $4, payload = $5, updated_at = $6, deleted_at = $7
		WHERE owner_id = $1 AND id = $2
	`
	res, err := r.db.ExecContext(ctx, query,
		e.OwnerID, e.ID, e.ParentID, e.Version, e.Payload, e.UpdatedAt, e.DeletedAt)
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

// SoftDelete is idempotent: tombstoning a row that is already tombstoned or
// missing affects zero rows and reports false.
func (r *PostgresRepository) SoftDelete(ctx context.Context, ownerID, id string, at time.Time) (bool, error) {
	query := `
		UPDATE entities
		SET deleted_at = $3, updated_at = $3, version = version + 1
		WHERE owner_id = $1 AND id = $2 AND deleted_at IS NULL
	`
	res, err := r.db.ExecContext(ctx, query, ownerID, id, at)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n > 0, nil
}

func (r *PostgresRepository) Restore(ctx context.Context, ownerID, id string, at time.Time) (*models.Entity, error) {
	query := `
		UPDATE entities
		SET deleted_at = NULL, updated_at = $3, version = version + 1
		WHERE owner_id = $1 AND id = $2 AND deleted_at IS NOT NULL
		RETURNING ` + entityColumns

	e, err := scanEntity(r.db.QueryRowContext(ctx, query, ownerID, id, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return e, nil
}

// HardDelete removes the row for good, cascading to child models and to the
// change-log entries of everything removed.
func (r *PostgresRepository) HardDelete(ctx context.Context, ownerID, id string) (bool, error) {
	purge := `
		DELETE FROM change_log
		WHERE user_id = $1 AND entity_id IN (
			SELECT id::text FROM entities WHERE owner_id = $1 AND (id = $2 OR parent_id = $2)
		)
	`
	if _, err := r.db.ExecContext(ctx, purge, ownerID, id); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}

	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM entities WHERE owner_id = $1 AND parent_id = $2`, ownerID, id); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM entities WHERE owner_id = $1 AND id = $2`, ownerID, id)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n > 0, nil
}
