package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finhorizon/plansync/internal/common"
	"github.com/finhorizon/plansync/internal/dbx"
	"github.com/finhorizon/plansync/internal/logging"
	sc "github.com/finhorizon/plansync/internal/server/config"
	"github.com/finhorizon/plansync/internal/server/models"
	"github.com/finhorizon/plansync/internal/server/repositories/changelog"
	"github.com/finhorizon/plansync/internal/server/repositories/entities"
	"github.com/finhorizon/plansync/internal/server/repositories/repomanager"
	"github.com/finhorizon/plansync/internal/server/repositories/syncstatus"
)

// -------- test fakes --------

type fakeEntitiesRepo struct {
	store map[string]*models.Entity

	insertErr error
	updateErr error
	selectErr error
}

func newFakeEntitiesRepo() *fakeEntitiesRepo {
	return &fakeEntitiesRepo{store: make(map[string]*models.Entity)}
}

func (f *fakeEntitiesRepo) GetByID(ctx context.Context, ownerID, id string, includeDeleted bool) (*models.Entity, error) {
	e, ok := f.store[id]
	if !ok || e.OwnerID != ownerID {
		return nil, common.ErrorNotFound
	}
	if e.Deleted() && !includeDeleted {
		return nil, common.ErrorNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeEntitiesRepo) GetBySurrogate(ctx context.Context, ownerID string, entityType models.EntityType, surrogateID int64) (*models.Entity, error) {
	for _, e := range f.store {
		if e.OwnerID == ownerID && e.EntityType == entityType && e.SurrogateID != nil && *e.SurrogateID == surrogateID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (f *fakeEntitiesRepo) SelectSince(ctx context.Context, ownerID string, since time.Time) ([]*models.Entity, error) {
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	var result []*models.Entity
	for _, e := range f.store {
		if e.OwnerID == ownerID && e.UpdatedAt.After(since) {
			cp := *e
			result = append(result, &cp)
		}
	}
	sortEntities(result)
	return result, nil
}

func (f *fakeEntitiesRepo) SelectLive(ctx context.Context, ownerID string) ([]*models.Entity, error) {
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	var result []*models.Entity
	for _, e := range f.store {
		if e.OwnerID == ownerID && !e.Deleted() {
			cp := *e
			result = append(result, &cp)
		}
	}
	sortEntities(result)
	return result, nil
}

func sortEntities(es []*models.Entity) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].UpdatedAt.Equal(es[j].UpdatedAt) {
			return es[i].ID < es[j].ID
		}
		return es[i].UpdatedAt.Before(es[j].UpdatedAt)
	})
}

func (f *fakeEntitiesRepo) Insert(ctx context.Context, e *models.Entity) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	cp := *e
	f.store[e.ID] = &cp
	return nil
}

func (f *fakeEntitiesRepo) Update(ctx context.Context, e *models.Entity) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	if _, ok := f.store[e.ID]; !ok {
		return common.ErrorNotFound
	}
	cp := *e
	f.store[e.ID] = &cp
	return nil
}

func (f *fakeEntitiesRepo) SoftDelete(ctx context.Context, ownerID, id string, at time.Time) (bool, error) {
	e, ok := f.store[id]
	if !ok || e.OwnerID != ownerID || e.Deleted() {
		return false, nil
	}
	ts := at
	e.DeletedAt = &ts
	e.UpdatedAt = at
	e.Version++
	return true, nil
}

func (f *fakeEntitiesRepo) Restore(ctx context.Context, ownerID, id string, at time.Time) (*models.Entity, error) {
	e, ok := f.store[id]
	if !ok || e.OwnerID != ownerID || !e.Deleted() {
		return nil, common.ErrorNotFound
	}
	e.DeletedAt = nil
	e.UpdatedAt = at
	e.Version++
	cp := *e
	return &cp, nil
}

func (f *fakeEntitiesRepo) HardDelete(ctx context.Context, ownerID, id string) (bool, error) {
	e, ok := f.store[id]
	if !ok || e.OwnerID != ownerID {
		return false, nil
	}
	delete(f.store, id)
	return true, nil
}

type fakeChangeLogRepo struct {
	records   []*models.ChangeRecord
	insertErr error
	purged    int64
}

func (f *fakeChangeLogRepo) Insert(ctx context.Context, rec *models.ChangeRecord) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	rec.ID = int64(len(f.records) + 1)
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeChangeLogRepo) List(ctx context.Context, userID string, filter changelog.ListFilter) ([]*models.ChangeRecord, error) {
	var result []*models.ChangeRecord
	for i := len(f.records) - 1; i >= 0; i-- {
		if f.records[i].UserID == userID {
			result = append(result, f.records[i])
		}
	}
	return result, nil
}

func (f *fakeChangeLogRepo) PurgeOlderThan(ctx context.Context, userID string, cutoff time.Time) (int64, error) {
	return f.purged, nil
}

func (f *fakeChangeLogRepo) PurgeAllOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return f.purged, nil
}

type fakeStatusRepo struct {
	statuses map[string]*models.SyncStatus

	beginErr    error
	completeErr error
	failCalls   int
}

func newFakeStatusRepo() *fakeStatusRepo {
	return &fakeStatusRepo{statuses: make(map[string]*models.SyncStatus)}
}

func (f *fakeStatusRepo) Get(ctx context.Context, userID string) (*models.SyncStatus, error) {
	s, ok := f.statuses[userID]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStatusRepo) Initialize(ctx context.Context, userID string, at time.Time) error {
	if _, ok := f.statuses[userID]; !ok {
		f.statuses[userID] = &models.SyncStatus{UserID: userID, UpdatedAt: at}
	}
	return nil
}

func (f *fakeStatusRepo) BeginSession(ctx context.Context, userID string, at time.Time) error {
	if f.beginErr != nil {
		return f.beginErr
	}
	s := f.statuses[userID]
	if s.InProgress {
		return common.ErrSyncInProgress
	}
	s.InProgress = true
	return nil
}

func (f *fakeStatusRepo) CompleteSession(ctx context.Context, userID, token string, at time.Time) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	s := f.statuses[userID]
	s.InProgress = false
	s.SyncToken = token
	ts := at
	s.LastSyncAt = &ts
	s.LastError = nil
	return nil
}

func (f *fakeStatusRepo) FailSession(ctx context.Context, userID, errMsg string, at time.Time) error {
	f.failCalls++
	s := f.statuses[userID]
	s.InProgress = false
	s.LastError = &errMsg
	return nil
}

type fakeRepoManager struct {
	repomanager.RepositoryManager
	e  *fakeEntitiesRepo
	cl *fakeChangeLogRepo
	st *fakeStatusRepo
}

func (m *fakeRepoManager) Entities(db dbx.DBTX) entities.Repository     { return m.e }
func (m *fakeRepoManager) ChangeLog(db dbx.DBTX) changelog.Repository   { return m.cl }
func (m *fakeRepoManager) SyncStatus(db dbx.DBTX) syncstatus.Repository { return m.st }

// -------- helpers --------

type syncFixture struct {
	svc  *SyncService
	ents *fakeEntitiesRepo
	log  *fakeChangeLogRepo
	st   *fakeStatusRepo
	mock sqlmock.Sqlmock
	db   *sql.DB
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &syncFixture{
		ents: newFakeEntitiesRepo(),
		log:  &fakeChangeLogRepo{},
		st:   newFakeStatusRepo(),
		mock: mock,
		db:   db,
	}

	cfg := &sc.Config{ChangeLogRetention: 24 * time.Hour}
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(io.Discard, nil)))
	f.svc = NewSyncService(db, &fakeRepoManager{e: f.ents, cl: f.log, st: f.st}, cfg, logger)
	return f
}

func fixedNow(t *testing.T, at time.Time) {
	t.Helper()
	old := timeNow
	timeNow = func() time.Time { return at }
	t.Cleanup(func() { timeNow = old })
}

func int64p(v int64) *int64 { return &v }

func rawJSON(s string) json.RawMessage { return json.RawMessage(s) }

const (
	userID = "u-1"

	entityID  = "5b3f7a2c-9d1e-4f60-8a2b-3c4d5e6f7a80"
	missingID = "0e1d2c3b-4a59-4687-9f0e-1d2c3b4a5968"
)

var (
	base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
)

func (f *syncFixture) seedEntity(e *models.Entity) {
	cp := *e
	f.ents.store[e.ID] = &cp
}

// -------- PushBatch --------

func TestPushBatch_CreateProjectWithSurrogate(t *testing.T) {
	f := newSyncFixture(t)
	fixedNow(t, base)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	res, err := f.svc.PushBatch(context.Background(), userID, nil, []*models.Change{
		{
			EntityType:      models.EntityTypeProject,
			Action:          models.ActionCreate,
			SurrogateID:     int64p(1),
			Payload:         rawJSON(`{"name":"Q1 Plan"}`),
			ClientTimestamp: base.Add(-time.Minute),
		},
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	require.Len(t, res.ServerChanges, 1)
	change := res.ServerChanges[0]
	assert.NotEmpty(t, change.ID)
	assert.Equal(t, int64(1), change.Version)
	assert.Equal(t, models.ActionUpdate, change.Action)
	require.NotNil(t, change.SurrogateID)
	assert.Equal(t, int64(1), *change.SurrogateID)
	assert.Empty(t, res.Conflicts)
	assert.NotEmpty(t, res.SyncToken)

	require.Len(t, f.log.records, 1)
	assert.Equal(t, models.ActionCreate, f.log.records[0].Action)
	assert.Equal(t, models.OutcomeApplied, f.log.records[0].Outcome)
	assert.Equal(t, change.ID, f.log.records[0].EntityID)

	st, err := f.st.Get(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, st.InProgress)
	assert.Nil(t, st.LastError)
	assert.Equal(t, res.SyncToken, st.SyncToken)

	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestPushBatch_SurrogateResolvesWithinBatch(t *testing.T) {
	f := newSyncFixture(t)
	fixedNow(t, base)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	res, err := f.svc.PushBatch(context.Background(), userID, nil, []*models.Change{
		{
			EntityType:      models.EntityTypeProject,
			Action:          models.ActionCreate,
			SurrogateID:     int64p(7),
			Payload:         rawJSON(`{"name":"v1"}`),
			ClientTimestamp: base.Add(-2 * time.Minute),
		},
		{
			EntityType:      models.EntityTypeProject,
			Action:          models.ActionUpdate,
			SurrogateID:     int64p(7),
			Payload:         rawJSON(`{"name":"v2"}`),
			ClientTimestamp: base.Add(-time.Minute),
		},
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	// Both changes resolved to one row: no duplicate was created.
	require.Len(t, f.ents.store, 1)
	for _, e := range f.ents.store {
		assert.Equal(t, int64(2), e.Version)
		assert.JSONEq(t, `{"name":"v2"}`, string(e.Payload))
	}
	require.Len(t, res.ServerChanges, 1)
	assert.Equal(t, int64(2), res.ServerChanges[0].Version)
}

func TestPushBatch_ConflictWhenServerNewer(t *testing.T) {
	f := newSyncFixture(t)
	fixedNow(t, base)

	serverTS := base.Add(-time.Hour)
	f.seedEntity(&models.Entity{
		ID:         entityID,
		EntityType: models.EntityTypeProject,
		OwnerID:    userID,
		Version:    3,
		Payload:    rawJSON(`{"name":"server"}`),
		CreatedAt:  serverTS,
		UpdatedAt:  serverTS,
	})

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	res, err := f.svc.PushBatch(context.Background(), userID, nil, []*models.Change{
		{
			EntityType:      models.EntityTypeProject,
			Action:          models.ActionUpdate,
			ID:              entityID,
			Payload:         rawJSON(`{"name":"stale"}`),
			ClientTimestamp: serverTS.Add(-time.Minute),
		},
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	require.Len(t, res.Conflicts, 1)
	c := res.Conflicts[0]
	assert.Equal(t, entityID, c.ID)
	assert.JSONEq(t, `{"name":"stale"}`, string(c.LocalPayload))
	assert.JSONEq(t, `{"name":"server"}`, string(c.ServerPayload))
	assert.Equal(t, models.ResolutionManual, c.ResolutionNeeded)
	assert.True(t, c.ServerTimestamp.After(c.LocalTimestamp))

	// Conflicts never mutate state or bump the version.
	assert.Equal(t, int64(3), f.ents.store[entityID].Version)
	assert.JSONEq(t, `{"name":"server"}`, string(f.ents.store[entityID].Payload))

	// The rejection itself is still logged.
	require.Len(t, f.log.records, 1)
	rec := f.log.records[0]
	assert.Equal(t, models.OutcomeConflict, rec.Outcome)
	assert.Equal(t, entityID, rec.EntityID)
	assert.JSONEq(t, `{"name":"server"}`, string(rec.Before))
	assert.JSONEq(t, `{"name":"stale"}`, string(rec.After))
}

func TestPushBatch_AppliesOnEqualTimestamp(t *testing.T) {
	f := newSyncFixture(t)
	fixedNow(t, base)

	serverTS := base.Add(-time.Hour)
	f.seedEntity(&models.Entity{
		ID:         entityID,
		EntityType: models.EntityTypeProject,
		OwnerID:    userID,
		Version:    3,
		Payload:    rawJSON(`{"name":"server"}`),
		CreatedAt:  serverTS,
		UpdatedAt:  serverTS,
	})

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	res, err := f.svc.PushBatch(context.Background(), userID, nil, []*models.Change{
		{
			EntityType:      models.EntityTypeProject,
			Action:          models.ActionUpdate,
			ID:              entityID,
			Payload:         rawJSON(`{"name":"tie"}`),
			ClientTimestamp: serverTS,
		},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, int64(4), f.ents.store[entityID].Version)
	assert.JSONEq(t, `{"name":"tie"}`, string(f.ents.store[entityID].Payload))
}

func TestPushBatch_VersionMaxMerge(t *testing.T) {
	f := newSyncFixture(t)
	fixedNow(t, base)

	serverTS := base.Add(-time.Hour)
	f.seedEntity(&models.Entity{
		ID:         entityID,
		EntityType: models.EntityTypeProject,
		OwnerID:    userID,
		Version:    3,
		Payload:    rawJSON(`{}`),
		CreatedAt:  serverTS,
		UpdatedAt:  serverTS,
	})

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	_, err := f.svc.PushBatch(context.Background(), userID, nil, []*models.Change{
		{
			EntityType:      models.EntityTypeProject,
			Action:          models.ActionUpdate,
			ID:              entityID,
			Version:         7,
			Payload:         rawJSON(`{"rev":8}`),
			ClientTimestamp: base,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(8), f.ents.store[entityID].Version)
}

func TestPushBatch_DeleteIsIdempotent(t *testing.T) {
	f := newSyncFixture(t)
	fixedNow(t, base)

	f.seedEntity(&models.Entity{
		ID:         entityID,
		EntityType: models.EntityTypeProject,
		OwnerID:    userID,
		Version:    2,
		Payload:    rawJSON(`{}`),
		CreatedAt:  base.Add(-time.Hour),
		UpdatedAt:  base.Add(-time.Hour),
	})

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	res, err := f.svc.PushBatch(context.Background(), userID, nil, []*models.Change{
		{EntityType: models.EntityTypeProject, Action: models.ActionDelete, ID: entityID, ClientTimestamp: base},
		{EntityType: models.EntityTypeProject, Action: models.ActionDelete, ID: entityID, ClientTimestamp: base},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Empty(t, res.Skipped)

	// Tombstoned exactly once: version bumped by one delete, not two.
	e := f.ents.store[entityID]
	require.True(t, e.Deleted())
	assert.Equal(t, int64(3), e.Version)

	// Both deletes are recorded; the second is a no-op, not an error.
	assert.Len(t, f.log.records, 2)

	// The tombstone propagates as a delete-tagged server change.
	require.Len(t, res.ServerChanges, 1)
	assert.Equal(t, models.ActionDelete, res.ServerChanges[0].Action)
	assert.Nil(t, res.ServerChanges[0].Payload)
}

func TestPushBatch_DeleteOfNonexistentIsRecorded(t *testing.T) {
	f := newSyncFixture(t)
	fixedNow(t, base)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	res, err := f.svc.PushBatch(context.Background(), userID, nil, []*models.Change{
		{EntityType: models.EntityTypeProject, Action: models.ActionDelete, ID: missingID, ClientTimestamp: base},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Empty(t, res.Skipped)

	require.Len(t, f.log.records, 1)
	assert.Equal(t, missingID, f.log.records[0].EntityID)
	assert.Equal(t, models.ActionDelete, f.log.records[0].Action)
}

func TestPushBatch_PartialBatchSkipsBadChange(t *testing.T) {
	f := newSyncFixture(t)
	fixedNow(t, base)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	mk := func(surrogate int64, name string) *models.Change {
		return &models.Change{
			EntityType:      models.EntityTypeProject,
			Action:          models.ActionCreate,
			SurrogateID:     int64p(surrogate),
			Payload:         rawJSON(`{"name":"` + name + `"}`),
			ClientTimestamp: base.Add(-time.Minute),
		}
	}

	res, err := f.svc.PushBatch(context.Background(), userID, nil, []*models.Change{
		mk(1, "a"),
		mk(2, "b"),
		{
			EntityType:      models.EntityTypeModel,
			Action:          models.ActionCreate,
			SurrogateID:     int64p(3),
			ParentID:        strp(missingID),
			Payload:         rawJSON(`{}`),
			ClientTimestamp: base.Add(-time.Minute),
		},
		mk(4, "c"),
		mk(5, "d"),
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	require.Len(t, res.Skipped, 1)
	assert.Equal(t, 2, res.Skipped[0].Index)
	assert.Contains(t, res.Skipped[0].Reason, "parent project not found")

	assert.Len(t, f.ents.store, 4)
	assert.Len(t, res.ServerChanges, 4)
}

func TestPushBatch_ModelParentResolvedBySurrogate(t *testing.T) {
	f := newSyncFixture(t)
	fixedNow(t, base)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	res, err := f.svc.PushBatch(context.Background(), userID, nil, []*models.Change{
		{
			EntityType:      models.EntityTypeProject,
			Action:          models.ActionCreate,
			SurrogateID:     int64p(1),
			Payload:         rawJSON(`{"name":"plan"}`),
			ClientTimestamp: base.Add(-time.Minute),
		},
		{
			EntityType:        models.EntityTypeModel,
			Action:            models.ActionCreate,
			SurrogateID:       int64p(2),
			ParentSurrogateID: int64p(1),
			Payload:           rawJSON(`{"assumptions":{}}`),
			ClientTimestamp:   base.Add(-time.Minute),
		},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Empty(t, res.Skipped)

	var project, model *models.Entity
	for _, e := range f.ents.store {
		switch e.EntityType {
		case models.EntityTypeProject:
			project = e
		case models.EntityTypeModel:
			model = e
		}
	}
	require.NotNil(t, project)
	require.NotNil(t, model)
	require.NotNil(t, model.ParentID)
	assert.Equal(t, project.ID, *model.ParentID)
}

func TestPushBatch_UpdateRevivesTombstone(t *testing.T) {
	f := newSyncFixture(t)
	fixedNow(t, base)

	deletedAt := base.Add(-time.Hour)
	f.seedEntity(&models.Entity{
		ID:         entityID,
		EntityType: models.EntityTypeProject,
		OwnerID:    userID,
		Version:    4,
		Payload:    rawJSON(`{"name":"old"}`),
		CreatedAt:  base.Add(-2 * time.Hour),
		UpdatedAt:  deletedAt,
		DeletedAt:  &deletedAt,
	})

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	res, err := f.svc.PushBatch(context.Background(), userID, nil, []*models.Change{
		{
			EntityType:      models.EntityTypeProject,
			Action:          models.ActionUpdate,
			ID:              entityID,
			Payload:         rawJSON(`{"name":"revived"}`),
			ClientTimestamp: base,
		},
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Empty(t, res.Conflicts)

	e := f.ents.store[entityID]
	assert.False(t, e.Deleted())
	assert.Equal(t, int64(5), e.Version)
	assert.JSONEq(t, `{"name":"revived"}`, string(e.Payload))
}

func TestPushBatch_OutboundDeltaRespectsWatermark(t *testing.T) {
	f := newSyncFixture(t)
	fixedNow(t, base)

	old := base.Add(-3 * time.Hour)
	newer := base.Add(-time.Hour)
	deletedTS := base.Add(-30 * time.Minute)

	f.seedEntity(&models.Entity{
		ID: "old", EntityType: models.EntityTypeProject, OwnerID: userID,
		Version: 1, Payload: rawJSON(`{}`), CreatedAt: old, UpdatedAt: old,
	})
	f.seedEntity(&models.Entity{
		ID: "new", EntityType: models.EntityTypeProject, OwnerID: userID,
		Version: 2, Payload: rawJSON(`{}`), CreatedAt: newer, UpdatedAt: newer,
	})
	f.seedEntity(&models.Entity{
		ID: "gone", EntityType: models.EntityTypeProject, OwnerID: userID,
		Version: 3, Payload: rawJSON(`{}`), CreatedAt: old, UpdatedAt: deletedTS, DeletedAt: &deletedTS,
	})

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	watermark := base.Add(-2 * time.Hour)
	res, err := f.svc.PushBatch(context.Background(), userID, &watermark, nil)
	require.NoError(t, err)
	require.True(t, res.Success)

	// Only entities modified after the watermark are delivered, ascending.
	require.Len(t, res.ServerChanges, 2)
	assert.Equal(t, "new", res.ServerChanges[0].ID)
	assert.Equal(t, models.ActionUpdate, res.ServerChanges[0].Action)
	assert.Equal(t, "gone", res.ServerChanges[1].ID)
	assert.Equal(t, models.ActionDelete, res.ServerChanges[1].Action)
	assert.True(t, res.ServerChanges[0].UpdatedAt.Before(res.ServerChanges[1].UpdatedAt))
}

func TestPushBatch_RejectsOverlappingSession(t *testing.T) {
	f := newSyncFixture(t)
	fixedNow(t, base)

	require.NoError(t, f.st.Initialize(context.Background(), userID, base))
	f.st.statuses[userID].InProgress = true

	_, err := f.svc.PushBatch(context.Background(), userID, nil, nil)
	require.ErrorIs(t, err, common.ErrSyncInProgress)

	// No transaction was started and no release was attempted.
	assert.Equal(t, 0, f.st.failCalls)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestPushBatch_StorageFailureRollsBackAndReleases(t *testing.T) {
	f := newSyncFixture(t)
	fixedNow(t, base)

	f.ents.insertErr = errors.New("connection lost")

	f.mock.ExpectBegin()
	f.mock.ExpectRollback()

	_, err := f.svc.PushBatch(context.Background(), userID, nil, []*models.Change{
		{
			EntityType:      models.EntityTypeProject,
			Action:          models.ActionCreate,
			SurrogateID:     int64p(1),
			Payload:         rawJSON(`{}`),
			ClientTimestamp: base,
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection lost")

	// The flag is released and the failure recorded on the error path.
	st, getErr := f.st.Get(context.Background(), userID)
	require.NoError(t, getErr)
	assert.False(t, st.InProgress)
	require.NotNil(t, st.LastError)
	assert.Contains(t, *st.LastError, "connection lost")
	assert.Equal(t, 1, f.st.failCalls)

	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestPushBatch_ValidationErrorsSkipOnlyThatChange(t *testing.T) {
	f := newSyncFixture(t)
	fixedNow(t, base)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	res, err := f.svc.PushBatch(context.Background(), userID, nil, []*models.Change{
		{EntityType: "spreadsheet", Action: models.ActionCreate, Payload: rawJSON(`{}`), ClientTimestamp: base},
		{EntityType: models.EntityTypeProject, Action: "merge", Payload: rawJSON(`{}`), ClientTimestamp: base},
		{EntityType: models.EntityTypeProject, Action: models.ActionCreate, ClientTimestamp: base},
		{EntityType: models.EntityTypeProject, Action: models.ActionDelete, ClientTimestamp: base},
		{
			EntityType:      models.EntityTypeProject,
			Action:          models.ActionCreate,
			SurrogateID:     int64p(1),
			Payload:         rawJSON(`{"name":"ok"}`),
			ClientTimestamp: base,
		},
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	assert.Len(t, res.Skipped, 4)
	assert.Len(t, f.ents.store, 1)
	require.Len(t, res.ServerChanges, 1)
}

func TestPushBatch_MalformedIDsSkippedNotFatal(t *testing.T) {
	f := newSyncFixture(t)
	fixedNow(t, base)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	res, err := f.svc.PushBatch(context.Background(), userID, nil, []*models.Change{
		{
			EntityType:      models.EntityTypeProject,
			Action:          models.ActionUpdate,
			ID:              "not-a-uuid",
			Payload:         rawJSON(`{"name":"broken"}`),
			ClientTimestamp: base,
		},
		{
			EntityType:      models.EntityTypeModel,
			Action:          models.ActionCreate,
			SurrogateID:     int64p(2),
			ParentID:        strp("plan-7"),
			Payload:         rawJSON(`{}`),
			ClientTimestamp: base,
		},
		{
			EntityType:      models.EntityTypeProject,
			Action:          models.ActionCreate,
			SurrogateID:     int64p(1),
			Payload:         rawJSON(`{"name":"ok"}`),
			ClientTimestamp: base,
		},
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	// Bad identifiers are caught before any statement can fail the batch.
	require.Len(t, res.Skipped, 2)
	assert.Equal(t, 0, res.Skipped[0].Index)
	assert.Contains(t, res.Skipped[0].Reason, "malformed id")
	assert.Equal(t, 1, res.Skipped[1].Index)
	assert.Contains(t, res.Skipped[1].Reason, "malformed parentId")

	assert.Len(t, f.ents.store, 1)
	require.Len(t, res.ServerChanges, 1)

	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestPushBatch_DeleteWithUnresolvedSurrogateSkipped(t *testing.T) {
	f := newSyncFixture(t)
	fixedNow(t, base)
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	res, err := f.svc.PushBatch(context.Background(), userID, nil, []*models.Change{
		{EntityType: models.EntityTypeProject, Action: models.ActionDelete, SurrogateID: int64p(99), ClientTimestamp: base},
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	require.Len(t, res.Skipped, 1)
	assert.Contains(t, res.Skipped[0].Reason, "did not resolve")
	assert.Empty(t, f.log.records)
}

func TestPushBatch_ConsecutiveBatchesLeaveNoSessionBehind(t *testing.T) {
	f := newSyncFixture(t)
	fixedNow(t, base)

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	for i := 0; i < 2; i++ {
		res, err := f.svc.PushBatch(context.Background(), userID, nil, []*models.Change{
			{
				EntityType:      models.EntityTypeProject,
				Action:          models.ActionCreate,
				SurrogateID:     int64p(int64(10 + i)),
				Payload:         rawJSON(`{}`),
				ClientTimestamp: base,
			},
		})
		require.NoError(t, err)
		require.True(t, res.Success)

		st, err := f.st.Get(context.Background(), userID)
		require.NoError(t, err)
		assert.False(t, st.InProgress, "in-progress flag must be clear between batches")
	}

	require.NoError(t, f.mock.ExpectationsWereMet())
}

// -------- ForceFullResync --------

func TestForceFullResync_ReturnsOnlyLiveEntities(t *testing.T) {
	f := newSyncFixture(t)
	fixedNow(t, base)

	old := base.Add(-2 * time.Hour)
	deletedTS := base.Add(-time.Hour)
	f.seedEntity(&models.Entity{
		ID: "live", EntityType: models.EntityTypeProject, OwnerID: userID,
		Version: 1, Payload: rawJSON(`{"name":"live"}`), CreatedAt: old, UpdatedAt: old,
	})
	f.seedEntity(&models.Entity{
		ID: "gone", EntityType: models.EntityTypeProject, OwnerID: userID,
		Version: 2, Payload: rawJSON(`{}`), CreatedAt: old, UpdatedAt: deletedTS, DeletedAt: &deletedTS,
	})

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()

	res, err := f.svc.ForceFullResync(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.NotEmpty(t, res.SyncToken)

	require.Len(t, res.ServerChanges, 1)
	assert.Equal(t, "live", res.ServerChanges[0].ID)

	st, err := f.st.Get(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, st.InProgress)
}

// -------- tokens --------

func TestNewSyncToken_Monotonic(t *testing.T) {
	t1, err := newSyncToken(base)
	require.NoError(t, err)
	t2, err := newSyncToken(base.Add(time.Second))
	require.NoError(t, err)

	assert.NotEqual(t, t1, t2)
	// Tokens sort by issue time thanks to the fixed-width hex prefix.
	assert.Less(t, t1, t2)
}

func strp(s string) *string { return &s }
