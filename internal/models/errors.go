package models

import "errors"

// Predefined errors shared by the stores, the scheduler, and the handlers.
var (
	// ErrInvalidKey is returned for a malformed task, run, or bot identifier.
	// Handlers surface it as a 400; it is distinct from ErrNotFound.
	ErrInvalidKey = errors.New("invalid key")

	// ErrNotFound is returned for a well-formed key with no entity behind it.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when inserting an entity whose key is taken.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrClaimConflict is returned when a claim lost the compare-and-set race.
	// It is transient and must never reach a caller; the scheduler retries
	// the search a bounded number of times and then reports no match.
	ErrClaimConflict = errors.New("task already claimed")

	// ErrValidation is returned for malformed request properties at
	// submission time. Nothing is enqueued.
	ErrValidation = errors.New("invalid request properties")

	// ErrQuarantined flags a dimension set whose powerset is too large to
	// index. This is policy, not failure: the entity is degraded, not lost.
	ErrQuarantined = errors.New("dimension powerset too large")

	// ErrWrongBot is returned when a bot reports against a run claimed by a
	// different bot. Surfaced as a 404 so the caller cannot probe run state.
	ErrWrongBot = errors.New("bot id does not match the claimed run")

	// ErrNotPending is returned when canceling a task that already left the
	// PENDING state. Canceling a running task is not supported.
	ErrNotPending = errors.New("task is not pending")

	// ErrForbidden is returned when the caller's identity is not authorized
	// for the operation. Handlers surface it as a 403.
	ErrForbidden = errors.New("operation not authorized")
)
