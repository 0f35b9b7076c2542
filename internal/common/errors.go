// Package common defines shared constants and sentinel errors used across
// the plansync layers. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// ErrSyncInProgress signals session contention: another reconciliation
	// session for the same user has not released the in-progress flag yet.
	// The condition is retryable.
	ErrSyncInProgress = errors.New("sync session already in progress")

	// ErrorValidation marks a malformed inbound change; it affects only the
	// change it was raised for, never the whole batch.
	ErrorValidation = errors.New("validation error")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
)
