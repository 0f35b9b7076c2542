// Package models defines the persisted and wire-level types of the sync
// server: entities, change-log records, sync status, and the batch protocol.
package models

import (
	"encoding/json"
	"time"
)

// EntityType discriminates the two synced record kinds. A model always
// belongs to a project via ParentID; a project has no parent.
type EntityType string

const (
	EntityTypeProject EntityType = "project"
	EntityTypeModel   EntityType = "model"
)

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	return t == EntityTypeProject || t == EntityTypeModel
}

// Entity is one synced record (project or model) as stored by the
// server-of-record. Payload is opaque to the sync engine: it carries the
// planning data (assumptions, computed series, metadata) untouched.
//
// SurrogateID is the client-local integer assigned before the record had a
// server ID; it stays on the row forever so late changes referencing the
// surrogate still resolve. DeletedAt non-nil marks a tombstone: excluded
// from normal reads but still delivered during sync so the deletion
// propagates.
type Entity struct {
	ID          string          `json:"id"`
	EntityType  EntityType      `json:"entityType"`
	OwnerID     string          `json:"ownerId"`
	SurrogateID *int64          `json:"surrogateId,omitempty"`
	ParentID    *string         `json:"parentId,omitempty"`
	Version     int64           `json:"version"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	DeletedAt   *time.Time      `json:"deletedAt,omitempty"`
}

// Deleted reports whether the entity is tombstoned.
func (e *Entity) Deleted() bool {
	return e.DeletedAt != nil
}
