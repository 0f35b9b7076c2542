package models

import "time"

// SyncStatus is the per-user sync register row. InProgress is an advisory
// marker used to reject overlapping sessions, not a database lock; it is
// guaranteed cleared on every exit path of a reconciliation session.
type SyncStatus struct {
	UserID     string     `json:"userId"`
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
	SyncToken  string     `json:"syncToken,omitempty"`
	InProgress bool       `json:"inProgress"`
	LastError  *string    `json:"lastError,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}
