// Package services contains the reconciliation engine: it applies batches of
// client changes against the server-of-record, detects conflicts, and
// computes the outbound delta the client must merge back.
package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/finhorizon/plansync/internal/common"
	"github.com/finhorizon/plansync/internal/dbx"
	"github.com/finhorizon/plansync/internal/logging"
	sc "github.com/finhorizon/plansync/internal/server/config"
	"github.com/finhorizon/plansync/internal/server/models"
	"github.com/finhorizon/plansync/internal/server/repositories/changelog"
	"github.com/finhorizon/plansync/internal/server/repositories/entities"
	"github.com/finhorizon/plansync/internal/server/repositories/repomanager"
)

// Seams for deterministic tests.
var (
	timeNow     = time.Now
	newEntityID = uuid.NewString
	newBatchID  = uuid.NewString
)

// SyncService is the reconciliation engine. One PushBatch call processes the
// whole batch inside a single transaction; concurrency per user is serialized
// through the sync status register's in-progress flag.
type SyncService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	config      *sc.Config
	logger      logging.Logger
}

func NewSyncService(db *sql.DB, rm repomanager.RepositoryManager, config *sc.Config, logger logging.Logger) *SyncService {
	return &SyncService{
		db:          db,
		repomanager: rm,
		config:      config,
		logger:      logger.With("module", "sync"),
	}
}

// newSyncToken builds an opaque, monotonic continuation token: the batch
// timestamp in hex followed by random entropy.
func newSyncToken(at time.Time) (string, error) {
	suffix, err := common.MakeRandHexString(8)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x.%s", at.UnixNano(), suffix), nil
}

// isSkippable reports whether a per-change error is caught at the per-change
// boundary (validation, not-found) rather than failing the whole batch.
func isSkippable(err error) bool {
	return errors.Is(err, common.ErrorValidation) || errors.Is(err, common.ErrorNotFound)
}

// PushBatch applies the client's changes in submitted order inside one
// transaction, then computes the server changes since the watermark and
// advances it. A nil since means beginning of time.
//
// Returns common.ErrSyncInProgress without touching any state when another
// session holds the in-progress flag. Any error escaping the per-change
// guard rolls back the whole batch; the in-progress flag is released and the
// failure recorded on every exit path.
func (s *SyncService) PushBatch(ctx context.Context, userID string, since *time.Time, changes []*models.Change) (*models.SyncResult, error) {
	now := timeNow().UTC()

	statusRepo := s.repomanager.SyncStatus(s.db)
	if err := statusRepo.Initialize(ctx, userID, now); err != nil {
		return nil, err
	}
	if err := statusRepo.BeginSession(ctx, userID, now); err != nil {
		return nil, err
	}

	batchID := newBatchID()
	log := s.logger.With("user_id", userID, "batch_id", batchID)
	log.Info(ctx, "starting sync batch", "changes", len(changes))

	watermark := time.Time{}
	if since != nil {
		watermark = since.UTC()
	}

	result := &models.SyncResult{
		ServerChanges: []*models.ServerChange{},
		Conflicts:     []*models.Conflict{},
	}

	completed := false
	var txErr error
	defer func() {
		if completed {
			return
		}
		// Release path for rollbacks and panics: the flag must never
		// stay set after the session ends.
		msg := "sync session aborted"
		if txErr != nil {
			msg = txErr.Error()
		}
		if err := statusRepo.FailSession(ctx, userID, msg, timeNow().UTC()); err != nil {
			log.Error(ctx, "failed to release sync session", "error", err.Error())
		}
	}()

	txErr = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		entRepo := s.repomanager.Entities(tx)
		logRepo := s.repomanager.ChangeLog(tx)

		for i, c := range changes {
			if err := s.processChange(ctx, entRepo, logRepo, userID, batchID, now, c, result); err != nil {
				if !isSkippable(err) {
					return err
				}
				result.Skipped = append(result.Skipped, &models.SkippedChange{Index: i, Reason: err.Error()})
				log.Warn(ctx, "skipping change", "index", i, "reason", err.Error())
			}
		}

		updated, err := entRepo.SelectSince(ctx, userID, watermark)
		if err != nil {
			return err
		}
		for _, e := range updated {
			result.ServerChanges = append(result.ServerChanges, serverChangeFromEntity(e))
		}

		token, err := newSyncToken(now)
		if err != nil {
			return err
		}
		if err := s.repomanager.SyncStatus(tx).CompleteSession(ctx, userID, token, now); err != nil {
			return err
		}

		result.Success = true
		result.SyncToken = token
		result.LastSyncAt = &now
		return nil
	})
	if txErr != nil {
		return nil, fmt.Errorf("sync batch failed: %w", txErr)
	}

	completed = true
	log.Info(ctx, "sync batch complete",
		"applied", len(result.ServerChanges), "conflicts", len(result.Conflicts), "skipped", len(result.Skipped))
	return result, nil
}

func (s *SyncService) processChange(ctx context.Context, entRepo entities.Repository, logRepo changelog.Repository,
	userID, batchID string, now time.Time, c *models.Change, result *models.SyncResult) error {

	if !c.EntityType.Valid() {
		return fmt.Errorf("%w: unknown entity type %q", common.ErrorValidation, c.EntityType)
	}
	// Identifiers land in uuid columns; a malformed one must be rejected here,
	// not surface as a database error that would fail the whole batch.
	if c.ID != "" {
		if err := uuid.Validate(c.ID); err != nil {
			return fmt.Errorf("%w: malformed id %q", common.ErrorValidation, c.ID)
		}
	}
	if c.ParentID != nil {
		if err := uuid.Validate(*c.ParentID); err != nil {
			return fmt.Errorf("%w: malformed parentId %q", common.ErrorValidation, *c.ParentID)
		}
	}

	switch c.Action {
	case models.ActionDelete:
		return s.processDelete(ctx, entRepo, logRepo, userID, batchID, now, c)
	case models.ActionCreate, models.ActionUpdate:
		return s.processUpsert(ctx, entRepo, logRepo, userID, batchID, now, c, result)
	default:
		return fmt.Errorf("%w: unknown action %q", common.ErrorValidation, c.Action)
	}
}

// processDelete tombstones the addressed entity. Last delete wins: there is
// no conflict detection, and deleting an already-deleted or nonexistent
// entity is recorded but is not an error.
func (s *SyncService) processDelete(ctx context.Context, entRepo entities.Repository, logRepo changelog.Repository,
	userID, batchID string, now time.Time, c *models.Change) error {

	id := c.ID
	if id == "" {
		if c.SurrogateID == nil {
			return fmt.Errorf("%w: delete requires id or surrogateId", common.ErrorValidation)
		}
		e, err := entRepo.GetBySurrogate(ctx, userID, c.EntityType, *c.SurrogateID)
		if errors.Is(err, common.ErrorNotFound) {
			return fmt.Errorf("%w: surrogate %d did not resolve", common.ErrorValidation, *c.SurrogateID)
		}
		if err != nil {
			return err
		}
		id = e.ID
	}

	var before json.RawMessage
	if existing, err := entRepo.GetByID(ctx, userID, id, true); err == nil {
		before = existing.Payload
	} else if !errors.Is(err, common.ErrorNotFound) {
		return err
	}

	if _, err := entRepo.SoftDelete(ctx, userID, id, now); err != nil {
		return err
	}

	return logRepo.Insert(ctx, &models.ChangeRecord{
		UserID:          userID,
		EntityType:      c.EntityType,
		EntityID:        id,
		SurrogateID:     c.SurrogateID,
		Action:          models.ActionDelete,
		Outcome:         models.OutcomeApplied,
		Before:          before,
		ClientTimestamp: clientTS(c),
		ServerTimestamp: now,
		BatchID:         batchID,
	})
}

func (s *SyncService) processUpsert(ctx context.Context, entRepo entities.Repository, logRepo changelog.Repository,
	userID, batchID string, now time.Time, c *models.Change, result *models.SyncResult) error {

	if len(c.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", common.ErrorValidation)
	}
	if c.ClientTimestamp.IsZero() {
		return fmt.Errorf("%w: missing clientTimestamp", common.ErrorValidation)
	}

	// Correlate with an existing record: by server id first, then by the
	// client surrogate (covers records created earlier in this same batch).
	var existing *models.Entity
	foundByID := false
	if c.ID != "" {
		e, err := entRepo.GetByID(ctx, userID, c.ID, true)
		if err == nil {
			existing = e
			foundByID = true
		} else if !errors.Is(err, common.ErrorNotFound) {
			return err
		}
	}
	if existing == nil && c.SurrogateID != nil {
		e, err := entRepo.GetBySurrogate(ctx, userID, c.EntityType, *c.SurrogateID)
		if err == nil {
			existing = e
		} else if !errors.Is(err, common.ErrorNotFound) {
			return err
		}
	}

	if existing == nil {
		return s.insertEntity(ctx, entRepo, logRepo, userID, batchID, now, c)
	}

	// Conflict detection applies only to id-addressed records the server
	// already owns: server strictly newer than the client's change wins.
	// Equal timestamps apply (apply-on-tie). Rejections are logged too; the
	// entity itself stays untouched.
	if foundByID && existing.UpdatedAt.After(c.ClientTimestamp) {
		result.Conflicts = append(result.Conflicts, &models.Conflict{
			EntityType:       c.EntityType,
			ID:               existing.ID,
			SurrogateID:      c.SurrogateID,
			LocalPayload:     c.Payload,
			ServerPayload:    existing.Payload,
			LocalTimestamp:   c.ClientTimestamp,
			ServerTimestamp:  existing.UpdatedAt,
			ResolutionNeeded: models.ResolutionManual,
		})
		return logRepo.Insert(ctx, &models.ChangeRecord{
			UserID:          userID,
			EntityType:      c.EntityType,
			EntityID:        existing.ID,
			SurrogateID:     c.SurrogateID,
			Action:          c.Action,
			Outcome:         models.OutcomeConflict,
			Before:          existing.Payload,
			After:           c.Payload,
			ClientTimestamp: clientTS(c),
			ServerTimestamp: now,
			BatchID:         batchID,
		})
	}

	merged := *existing
	merged.Version = maxVersion(existing.Version, c.Version) + 1
	merged.Payload = c.Payload
	merged.UpdatedAt = now
	// An accepted update over a tombstone revives the record.
	merged.DeletedAt = nil
	if c.ParentID != nil {
		merged.ParentID = c.ParentID
	}

	if err := entRepo.Update(ctx, &merged); err != nil {
		return err
	}

	return logRepo.Insert(ctx, &models.ChangeRecord{
		UserID:          userID,
		EntityType:      c.EntityType,
		EntityID:        merged.ID,
		SurrogateID:     merged.SurrogateID,
		Action:          models.ActionUpdate,
		Outcome:         models.OutcomeApplied,
		Before:          existing.Payload,
		After:           merged.Payload,
		ClientTimestamp: clientTS(c),
		ServerTimestamp: now,
		BatchID:         batchID,
	})
}

func (s *SyncService) insertEntity(ctx context.Context, entRepo entities.Repository, logRepo changelog.Repository,
	userID, batchID string, now time.Time, c *models.Change) error {

	e := &models.Entity{
		ID:          c.ID,
		EntityType:  c.EntityType,
		OwnerID:     userID,
		SurrogateID: c.SurrogateID,
		Version:     1,
		Payload:     c.Payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if e.ID == "" {
		e.ID = newEntityID()
	}

	if c.EntityType == models.EntityTypeModel {
		parentID, err := s.resolveParent(ctx, entRepo, userID, c)
		if err != nil {
			return err
		}
		e.ParentID = &parentID
	}

	if err := entRepo.Insert(ctx, e); err != nil {
		return err
	}

	return logRepo.Insert(ctx, &models.ChangeRecord{
		UserID:          userID,
		EntityType:      c.EntityType,
		EntityID:        e.ID,
		SurrogateID:     c.SurrogateID,
		Action:          models.ActionCreate,
		Outcome:         models.OutcomeApplied,
		After:           e.Payload,
		ClientTimestamp: clientTS(c),
		ServerTimestamp: now,
		BatchID:         batchID,
	})
}

// resolveParent checks the model's parent project at creation time: it must
// exist, be live, and belong to the same user. The parent may be addressed
// by server id or by the surrogate of a project created earlier in the batch.
func (s *SyncService) resolveParent(ctx context.Context, entRepo entities.Repository, userID string, c *models.Change) (string, error) {
	var (
		parent *models.Entity
		err    error
	)
	switch {
	case c.ParentID != nil:
		parent, err = entRepo.GetByID(ctx, userID, *c.ParentID, false)
	case c.ParentSurrogateID != nil:
		parent, err = entRepo.GetBySurrogate(ctx, userID, models.EntityTypeProject, *c.ParentSurrogateID)
	default:
		return "", fmt.Errorf("%w: model requires parentId or parentSurrogateId", common.ErrorValidation)
	}
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return "", fmt.Errorf("parent project not found: %w", common.ErrorNotFound)
		}
		return "", err
	}
	if parent.EntityType != models.EntityTypeProject || parent.Deleted() {
		return "", fmt.Errorf("parent project not found: %w", common.ErrorNotFound)
	}
	return parent.ID, nil
}

// ForceFullResync returns every live entity regardless of the watermark and
// issues a fresh token, for client bootstrap or after prolonged divergence.
func (s *SyncService) ForceFullResync(ctx context.Context, userID string) (*models.SyncResult, error) {
	now := timeNow().UTC()

	statusRepo := s.repomanager.SyncStatus(s.db)
	if err := statusRepo.Initialize(ctx, userID, now); err != nil {
		return nil, err
	}
	if err := statusRepo.BeginSession(ctx, userID, now); err != nil {
		return nil, err
	}

	result := &models.SyncResult{
		ServerChanges: []*models.ServerChange{},
		Conflicts:     []*models.Conflict{},
	}

	completed := false
	var txErr error
	defer func() {
		if completed {
			return
		}
		msg := "full resync aborted"
		if txErr != nil {
			msg = txErr.Error()
		}
		if err := statusRepo.FailSession(ctx, userID, msg, timeNow().UTC()); err != nil {
			s.logger.Error(ctx, "failed to release sync session", "user_id", userID, "error", err.Error())
		}
	}()

	txErr = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		live, err := s.repomanager.Entities(tx).SelectLive(ctx, userID)
		if err != nil {
			return err
		}
		for _, e := range live {
			result.ServerChanges = append(result.ServerChanges, serverChangeFromEntity(e))
		}

		token, err := newSyncToken(now)
		if err != nil {
			return err
		}
		if err := s.repomanager.SyncStatus(tx).CompleteSession(ctx, userID, token, now); err != nil {
			return err
		}

		result.Success = true
		result.SyncToken = token
		result.LastSyncAt = &now
		return nil
	})
	if txErr != nil {
		return nil, fmt.Errorf("full resync failed: %w", txErr)
	}

	completed = true
	return result, nil
}

// Status returns the user's sync register record, or common.ErrorNotFound if
// the user never attempted a sync.
func (s *SyncService) Status(ctx context.Context, userID string) (*models.SyncStatus, error) {
	return s.repomanager.SyncStatus(s.db).Get(ctx, userID)
}

// History returns recent change records for the user, newest first.
func (s *SyncService) History(ctx context.Context, userID string, filter changelog.ListFilter) ([]*models.ChangeRecord, error) {
	return s.repomanager.ChangeLog(s.db).List(ctx, userID, filter)
}

// PurgeChangeLog removes change records older than the configured retention
// window, across all users. Called periodically by the app.
func (s *SyncService) PurgeChangeLog(ctx context.Context) (int64, error) {
	cutoff := timeNow().UTC().Add(-s.config.ChangeLogRetention)
	return s.repomanager.ChangeLog(s.db).PurgeAllOlderThan(ctx, cutoff)
}

func serverChangeFromEntity(e *models.Entity) *models.ServerChange {
	sc := &models.ServerChange{
		EntityType:  e.EntityType,
		Action:      models.ActionUpdate,
		ID:          e.ID,
		SurrogateID: e.SurrogateID,
		ParentID:    e.ParentID,
		Payload:     e.Payload,
		Version:     e.Version,
		UpdatedAt:   e.UpdatedAt,
	}
	if e.Deleted() {
		// Tombstones propagate as deletes; the payload stays server-side.
		sc.Action = models.ActionDelete
		sc.Payload = nil
	}
	return sc
}

func clientTS(c *models.Change) *time.Time {
	if c.ClientTimestamp.IsZero() {
		return nil
	}
	ts := c.ClientTimestamp
	return &ts
}

func maxVersion(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
