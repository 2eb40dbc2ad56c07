// Package queue holds the pending-task index: one TaskToRun per schedulable
// attempt, indexed by dimension-assignment hashes and ordered by priority
// then age. The claim is the only mutation that needs strict atomicity; it
// is a compare-and-set on the claimed_by field and exactly one of N
// concurrent claimers wins.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskfleet/dispatch/internal/models"
)

// TaskToRun is one pending-queue entry. ClaimedBy is set exactly once,
// atomically; entries leave matching consideration once claimed, aborted,
// or expired.
type TaskToRun struct {
	TaskID     uuid.UUID           `json:"task_id"`
	Priority   int                 `json:"priority"`
	Hashes     []uint32            `json:"hashes"`
	Dimensions map[string][]string `json:"dimensions"`
	QueuedAt   time.Time           `json:"queued_at"`
	ExpiresAt  time.Time           `json:"expires_at"`
	ClaimedBy  string              `json:"claimed_by,omitempty"`
	Aborted    bool                `json:"aborted"`
}

// NewTaskToRun builds the queue entry for a request using the precomputed
// assignment hashes.
func NewTaskToRun(req *models.TaskRequest, hashes []uint32) *TaskToRun {
	return &TaskToRun{
		TaskID:     req.ID,
		Priority:   req.Priority,
		Hashes:     hashes,
		Dimensions: req.Properties.Dimensions,
		QueuedAt:   req.CreatedAt,
		ExpiresAt:  req.ExpiresAt(),
	}
}

// Claimable reports whether the entry is still up for grabs at the given
// instant.
func (t *TaskToRun) Claimable(now time.Time) bool {
	return !t.Aborted && t.ClaimedBy == "" && now.Before(t.ExpiresAt)
}

// TaskQueue is the pending-queue contract. Matching reads may run
// unsynchronized; losing a subsequent Claim race is expected and the
// scheduler re-searches.
type TaskQueue interface {
	// Enqueue inserts a new pending entry.
	Enqueue(ctx context.Context, entry *TaskToRun) error

	// FindMatch returns the best claimable entry whose hash set intersects
	// the bot's lookup hashes, skipping the given task IDs (candidates
	// already lost this poll). Best means lowest priority integer, then
	// oldest QueuedAt. Returns models.ErrNotFound when nothing matches.
	FindMatch(ctx context.Context, lookup []uint32, skip map[uuid.UUID]struct{}) (*TaskToRun, error)

	// Claim atomically assigns the entry to botID. It fails with
	// models.ErrClaimConflict if another bot already claimed it or the entry
	// was aborted in the meantime; a cancel racing a claim always wins.
	Claim(ctx context.Context, taskID uuid.UUID, botID string) error

	// Abort marks an unclaimed entry canceled and removes it from matching.
	// It succeeds at most once per entry: claimed or already-aborted
	// entries return models.ErrNotPending, so only the caller that actually
	// transitioned the entry gets to update the summary.
	Abort(ctx context.Context, taskID uuid.UUID) error

	// Get returns the entry, claimed or not. models.ErrNotFound if absent.
	Get(ctx context.Context, taskID uuid.UUID) (*TaskToRun, error)

	// ExpireBefore aborts unclaimed entries whose deadline passed and
	// returns their task IDs. It is idempotent; already-aborted or claimed
	// entries are never returned twice.
	ExpireBefore(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	// Depth counts entries still in matching consideration.
	Depth(ctx context.Context) (int, error)

	Initialize(ctx context.Context) error
	Close() error
}
