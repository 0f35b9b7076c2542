package models

import (
	"encoding/json"
	"time"
)

// ChangeAction is the kind of mutation a change describes.
type ChangeAction string

const (
	ActionCreate ChangeAction = "create"
	ActionUpdate ChangeAction = "update"
	ActionDelete ChangeAction = "delete"
)

// Valid reports whether a is one of the known actions.
func (a ChangeAction) Valid() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

// ChangeOutcome is what the reconciliation engine decided for a change.
type ChangeOutcome string

const (
	// OutcomeApplied marks a change whose mutation was persisted.
	OutcomeApplied ChangeOutcome = "applied"
	// OutcomeConflict marks a change rejected because the server copy was
	// newer; the entity was left untouched.
	OutcomeConflict ChangeOutcome = "conflict"
)

// ChangeRecord is one append-only audit row written for every change the
// reconciliation engine applied or rejected. For applied changes Before and
// After bracket the mutation; for conflicts Before holds the server payload
// that won and After the client payload that lost. Records are never mutated;
// they are purged in bulk once older than the retention window.
type ChangeRecord struct {
	ID              int64           `json:"id"`
	UserID          string          `json:"userId"`
	EntityType      EntityType      `json:"entityType"`
	EntityID        string          `json:"entityId"`
	SurrogateID     *int64          `json:"surrogateId,omitempty"`
	Action          ChangeAction    `json:"action"`
	Outcome         ChangeOutcome   `json:"outcome"`
	Before          json.RawMessage `json:"before,omitempty"`
	After           json.RawMessage `json:"after,omitempty"`
	ClientTimestamp *time.Time      `json:"clientTimestamp,omitempty"`
	ServerTimestamp time.Time       `json:"serverTimestamp"`
	BatchID         string          `json:"batchId"`
}
