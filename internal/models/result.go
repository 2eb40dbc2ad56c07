package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of a task. The only legal transitions are
// PENDING→RUNNING (claim), PENDING→EXPIRED/CANCELED, and
// RUNNING→COMPLETED/BOT_DIED/TIMED_OUT. Terminal states never transition.
type TaskState string

const (
	StatePending   TaskState = "pending"
	StateRunning   TaskState = "running"
	StateCompleted TaskState = "completed"
	StateExpired   TaskState = "expired"
	StateTimedOut  TaskState = "timed_out"
	StateBotDied   TaskState = "bot_died"
	StateCanceled  TaskState = "canceled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateExpired, StateTimedOut, StateBotDied, StateCanceled:
		return true
	}
	return false
}

// TaskResultSummary is the user-visible aggregate result, one per
// TaskRequest. Its state always mirrors the most recent TaskRunResult plus
// the queue status; it is what lookup and listing APIs return.
type TaskResultSummary struct {
	TaskID      uuid.UUID `json:"task_id" yaml:"task_id"`
	Name        string    `json:"name" yaml:"name"`
	User        string    `json:"user" yaml:"user"`
	State       TaskState `json:"state" yaml:"state"`
	Failure     bool      `json:"failure" yaml:"failure"` // Completed with a nonzero exit code.
	BotID       string    `json:"bot_id,omitempty" yaml:"bot_id,omitempty"`
	RunID       uuid.UUID `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	ExitCodes   []int     `json:"exit_codes,omitempty" yaml:"exit_codes,omitempty"`
	OutputRef   string    `json:"output_ref,omitempty" yaml:"output_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
	ModifiedAt  time.Time `json:"modified_at" yaml:"modified_at"`
	StartedAt   time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	AbandonedAt time.Time `json:"abandoned_at,omitempty" yaml:"abandoned_at,omitempty"`
}

// NewTaskResultSummary creates the PENDING summary for a freshly submitted
// request.
func NewTaskResultSummary(req *TaskRequest) *TaskResultSummary {
	now := time.Now().UTC()
	return &TaskResultSummary{
		TaskID:     req.ID,
		Name:       req.Name,
		User:       req.User,
		State:      StatePending,
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

// TaskRunResult records one actual bot attempt. It is written only by the
// claiming bot's reports and by the timeout/liveness reconciliation sweeps.
type TaskRunResult struct {
	RunID       uuid.UUID `json:"run_id" yaml:"run_id"`
	TaskID      uuid.UUID `json:"task_id" yaml:"task_id"`
	BotID       string    `json:"bot_id" yaml:"bot_id"`
	State       TaskState `json:"state" yaml:"state"`
	Failure     bool      `json:"failure" yaml:"failure"`
	ExitCodes   []int     `json:"exit_codes,omitempty" yaml:"exit_codes,omitempty"`
	StartedAt   time.Time `json:"started_at" yaml:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	AbandonedAt time.Time `json:"abandoned_at,omitempty" yaml:"abandoned_at,omitempty"`
}

// NewTaskRunResult creates the RUNNING attempt record for a successful claim.
func NewTaskRunResult(taskID uuid.UUID, botID string) *TaskRunResult {
	return &TaskRunResult{
		RunID:     uuid.New(),
		TaskID:    taskID,
		BotID:     botID,
		State:     StateRunning,
		StartedAt: time.Now().UTC(),
	}
}

// Duration returns how long the attempt ran, or zero while it is still open.
func (r *TaskRunResult) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
