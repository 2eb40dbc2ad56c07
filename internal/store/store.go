// Package store persists the immutable TaskRequest records and the mutable
// result side: one TaskResultSummary per request and one TaskRunResult per
// claimed attempt.
//
// Exactly two places arbitrate state transitions: the queue's claim/abort
// compare-and-set settles every exit from PENDING, and FinishRun's
// running-state guard settles every exit from RUNNING. Summaries only
// mirror those outcomes, so a sweep and a bot report racing on the same run
// cannot double-transition it.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/taskfleet/dispatch/internal/models"
)

// ResultStore is the contract for the request/result side of the engine.
type ResultStore interface {
	// SaveRequest inserts an immutable request. Requests are never updated;
	// a duplicate ID returns models.ErrAlreadyExists.
	SaveRequest(ctx context.Context, req *models.TaskRequest) error

	// GetRequest returns the request. models.ErrNotFound if absent.
	GetRequest(ctx context.Context, taskID uuid.UUID) (*models.TaskRequest, error)

	// SaveSummary upserts the user-visible summary for a request.
	SaveSummary(ctx context.Context, summary *models.TaskResultSummary) error

	// GetSummary returns the summary. models.ErrNotFound if absent.
	GetSummary(ctx context.Context, taskID uuid.UUID) (*models.TaskResultSummary, error)

	// ListSummaries returns summaries whose state is in the given set,
	// newest first. An empty set means all states. This is an
	// eventually-consistent read and must never block writers.
	ListSummaries(ctx context.Context, states []models.TaskState, limit int) ([]*models.TaskResultSummary, error)

	// CreateRun inserts the RUNNING record for a fresh claim.
	CreateRun(ctx context.Context, run *models.TaskRunResult) error

	// GetRun returns the attempt record. models.ErrNotFound if absent.
	GetRun(ctx context.Context, runID uuid.UUID) (*models.TaskRunResult, error)

	// ListOpenRuns returns all runs still in the RUNNING state, for the
	// timeout and bot-death sweeps.
	ListOpenRuns(ctx context.Context) ([]*models.TaskRunResult, error)

	// FinishRun persists a terminal transition of the run, guarded on the
	// stored state still being RUNNING. A run that already reached a
	// terminal state returns models.ErrNotPending and is left untouched;
	// this is what makes the sweeps idempotent.
	FinishRun(ctx context.Context, run *models.TaskRunResult) error

	Initialize(ctx context.Context) error
	Close() error
}
