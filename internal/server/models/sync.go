package models

import (
	"encoding/json"
	"time"
)

// ResolutionManual is the only conflict resolution the engine ever proposes:
// ambiguous conflicts are surfaced to the caller, never auto-merged.
const ResolutionManual = "manual"

// Change is one client-side mutation inside a pushed batch.
//
// ID is the server identifier when the client already knows it; SurrogateID
// correlates records created offline before they had one. ParentID (or
// ParentSurrogateID for a parent created earlier in the same batch) is
// required when creating a model. Version is the client's local version of
// the record and feeds the max-merge rule; zero when the client never synced
// the record.
type Change struct {
	EntityType        EntityType      `json:"entityType"`
	Action            ChangeAction    `json:"action"`
	ID                string          `json:"id,omitempty"`
	SurrogateID       *int64          `json:"surrogateId,omitempty"`
	ParentID          *string         `json:"parentId,omitempty"`
	ParentSurrogateID *int64          `json:"parentSurrogateId,omitempty"`
	Version           int64           `json:"version,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	ClientTimestamp   time.Time       `json:"clientTimestamp"`
}

// ServerChange is one authoritative post-apply state the client must merge
// back. For surrogate-correlated creates it carries the newly assigned server
// ID together with the surrogate, so the client can rebind its local record.
// Action is update or delete depending on tombstone state; deletes omit the
// payload.
type ServerChange struct {
	EntityType  EntityType      `json:"entityType"`
	Action      ChangeAction    `json:"action"`
	ID          string          `json:"id"`
	SurrogateID *int64          `json:"surrogateId,omitempty"`
	ParentID    *string         `json:"parentId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Version     int64           `json:"version"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Conflict reports a change that was not applied because the server record
// was strictly newer than the client's timestamp. Both sides' payloads and
// timestamps are included so the caller can resolve manually.
type Conflict struct {
	EntityType       EntityType      `json:"entityType"`
	ID               string          `json:"id"`
	SurrogateID      *int64          `json:"surrogateId,omitempty"`
	LocalPayload     json.RawMessage `json:"localPayload,omitempty"`
	ServerPayload    json.RawMessage `json:"serverPayload,omitempty"`
	LocalTimestamp   time.Time       `json:"localTimestamp"`
	ServerTimestamp  time.Time       `json:"serverTimestamp"`
	ResolutionNeeded string          `json:"resolutionNeeded"`
}

// SkippedChange reports a change dropped by the per-change error guard
// (validation failure, missing parent, unowned record). Index is the
// position in the submitted batch.
type SkippedChange struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// SyncResult is the outcome of one reconciliation batch or full resync.
// ServerChanges are ordered ascending by UpdatedAt.
type SyncResult struct {
	Success       bool             `json:"success"`
	SyncToken     string           `json:"syncToken,omitempty"`
	LastSyncAt    *time.Time       `json:"lastSyncAt,omitempty"`
	ServerChanges []*ServerChange  `json:"serverChanges"`
	Conflicts     []*Conflict      `json:"conflicts"`
	Skipped       []*SkippedChange `json:"skipped,omitempty"`
	Error         string           `json:"error,omitempty"`
}
