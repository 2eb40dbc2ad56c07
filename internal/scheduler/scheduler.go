// Package scheduler is the engine tying the queue, the stores, and the
// registry together. All lifecycle transitions flow through here: submission
// (MakeRequest), the bot claim (BotReapTask), the bot report
// (BotUpdateTask), the user-facing cancel and retry, and the periodic
// reconciliation sweeps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskfleet/dispatch/internal/auth"
	"github.com/taskfleet/dispatch/internal/dimensions"
	"github.com/taskfleet/dispatch/internal/events"
	"github.com/taskfleet/dispatch/internal/models"
	"github.com/taskfleet/dispatch/internal/output"
	"github.com/taskfleet/dispatch/internal/queue"
	"github.com/taskfleet/dispatch/internal/registry"
	"github.com/taskfleet/dispatch/internal/store"
)

// maxClaimAttempts bounds how many candidates a single poll tries before
// giving up. Losing the claim race repeatedly means the queue is hot; the
// bot sleeps and comes back instead of scanning forever.
const maxClaimAttempts = 5

// Backoff bounds for idle bot polling, in seconds.
const (
	backoffMaxStreak = 10
	backoffCapSecs   = 60.0
)

// Scheduler coordinates the task lifecycle. All methods are safe for
// concurrent use; atomicity lives in the queue claim and the run-finish
// guard, not in the scheduler itself.
type Scheduler struct {
	queue    queue.TaskQueue
	store    store.ResultStore
	registry registry.BotRegistry
	outputs  output.Store
	recorder events.Recorder
	authz    auth.Authorizer
	logger   *zap.Logger
}

// New wires the scheduler. A nil recorder is replaced with the no-op one.
func New(q queue.TaskQueue, rs store.ResultStore, br registry.BotRegistry, out output.Store, rec events.Recorder, authz auth.Authorizer, logger *zap.Logger) *Scheduler {
	if rec == nil {
		rec = events.NopRecorder{}
	}
	return &Scheduler{
		queue:    q,
		store:    rs,
		registry: br,
		outputs:  out,
		recorder: rec,
		authz:    authz,
		logger:   logger.Named("scheduler"),
	}
}

// MakeRequest validates and persists a new task request, indexes it for
// matching, and returns the immutable record. The request is visible to
// polling bots as soon as this returns.
func (s *Scheduler) MakeRequest(ctx context.Context, identity string, sub *models.SubmitRequest) (*models.TaskRequest, error) {
	if !s.authz.IsAuthorized(identity, auth.ActionSubmit) {
		return nil, fmt.Errorf("%w: %s may not submit tasks", models.ErrForbidden, identity)
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	hashes, err := dimensions.ExpandRequirement(sub.Dimensions)
	if err != nil {
		// Oversized requirement: reject outright, nothing could ever match it.
		return nil, err
	}

	req := models.NewTaskRequest(sub)
	req.Properties.Dimensions = dimensions.Normalize(req.Properties.Dimensions)

	if err := s.store.SaveRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("saving request: %w", err)
	}
	if err := s.store.SaveSummary(ctx, models.NewTaskResultSummary(req)); err != nil {
		return nil, fmt.Errorf("saving summary: %w", err)
	}
	if err := s.queue.Enqueue(ctx, queue.NewTaskToRun(req, hashes)); err != nil {
		return nil, fmt.Errorf("enqueueing task: %w", err)
	}

	s.logger.Info("Task submitted",
		zap.String("task_id", req.ID.String()),
		zap.String("user", req.User),
		zap.Int("priority", req.Priority),
		zap.Int("assignments", len(hashes)))
	s.recorder.RecordEvent("task.submitted", map[string]interface{}{
		"task_id":  req.ID.String(),
		"user":     req.User,
		"priority": req.Priority,
	})
	return req, nil
}

// BotReapTask finds and atomically claims at most one pending task matching
// the bot's dimensions. It returns the claimed request and the fresh run
// record, or models.ErrNotFound when nothing matched (the bot should
// sleep). models.ErrQuarantined means the bot's dimension powerset is too
// large to match against; the caller quarantines the bot.
func (s *Scheduler) BotReapTask(ctx context.Context, bot *models.Bot) (*models.TaskRequest, *models.TaskRunResult, error) {
	lookup, err := dimensions.BotLookupHashes(bot.Dimensions)
	if err != nil {
		return nil, nil, err
	}
	botDims := dimensions.Normalize(bot.Dimensions)

	skip := make(map[uuid.UUID]struct{})
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		entry, err := s.queue.FindMatch(ctx, lookup, skip)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return nil, nil, models.ErrNotFound
			}
			return nil, nil, fmt.Errorf("searching queue: %w", err)
		}

		// The hash index only narrows candidates; re-check the requirement
		// directly so a collision can never hand out an unrunnable task.
		if !dimensions.Matches(entry.Dimensions, botDims) {
			skip[entry.TaskID] = struct{}{}
			continue
		}

		if err := s.queue.Claim(ctx, entry.TaskID, bot.ID); err != nil {
			if errors.Is(err, models.ErrClaimConflict) {
				skip[entry.TaskID] = struct{}{}
				continue
			}
			return nil, nil, fmt.Errorf("claiming task %s: %w", entry.TaskID, err)
		}

		return s.startRun(ctx, entry.TaskID, bot)
	}
	return nil, nil, models.ErrNotFound
}

// startRun records the successful claim: a RUNNING run, the summary update,
// and the bot's busy marker. The claim already happened; failures past this
// point are persistence errors, not races.
func (s *Scheduler) startRun(ctx context.Context, taskID uuid.UUID, bot *models.Bot) (*models.TaskRequest, *models.TaskRunResult, error) {
	req, err := s.store.GetRequest(ctx, taskID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading claimed request %s: %w", taskID, err)
	}

	run := models.NewTaskRunResult(taskID, bot.ID)
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("recording run for %s: %w", taskID, err)
	}

	summary, err := s.store.GetSummary(ctx, taskID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading summary for %s: %w", taskID, err)
	}
	now := time.Now().UTC()
	summary.State = models.StateRunning
	summary.BotID = bot.ID
	summary.RunID = run.RunID
	summary.StartedAt = run.StartedAt
	summary.ModifiedAt = now
	if err := s.store.SaveSummary(ctx, summary); err != nil {
		return nil, nil, fmt.Errorf("updating summary for %s: %w", taskID, err)
	}

	if err := s.registry.SetTask(ctx, bot.ID, run.RunID); err != nil {
		s.logger.Warn("Failed to mark bot busy", zap.String("bot_id", bot.ID), zap.Error(err))
	}

	s.logger.Info("Task claimed",
		zap.String("task_id", taskID.String()),
		zap.String("run_id", run.RunID.String()),
		zap.String("bot_id", bot.ID))
	s.recorder.RecordEvent("task.claimed", map[string]interface{}{
		"task_id": taskID.String(),
		"run_id":  run.RunID.String(),
		"bot_id":  bot.ID,
	})
	return req, run, nil
}

// BotUpdateTask processes a bot's report on the task it claimed. A nil
// exitCodes slice is a liveness ping: the bot is still working, nothing
// terminal happened. A non-nil slice (possibly empty) is the final report;
// the run completes, with the failure flag set if any exit code is nonzero.
// Reports from a bot other than the claimer return models.ErrWrongBot; a
// task that was never claimed returns models.ErrNotFound.
func (s *Scheduler) BotUpdateTask(ctx context.Context, botID string, taskID uuid.UUID, exitCodes []int, outputData []byte) (*models.TaskRunResult, error) {
	summary, err := s.store.GetSummary(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if summary.RunID == uuid.Nil {
		return nil, fmt.Errorf("%w: task %s has no run", models.ErrNotFound, taskID)
	}
	run, err := s.store.GetRun(ctx, summary.RunID)
	if err != nil {
		return nil, err
	}
	if run.BotID != botID {
		return nil, fmt.Errorf("%w: task %s belongs to %s", models.ErrWrongBot, taskID, run.BotID)
	}

	if exitCodes == nil {
		// Ping only. LastSeenAt was already stamped by the handler's
		// TagBotSeen; there is nothing else to update while the run is open.
		return run, nil
	}

	now := time.Now().UTC()
	run.State = models.StateCompleted
	run.ExitCodes = append([]int(nil), exitCodes...)
	run.CompletedAt = now
	run.Failure = false
	for _, code := range exitCodes {
		if code != 0 {
			run.Failure = true
			break
		}
	}

	if err := s.store.FinishRun(ctx, run); err != nil {
		if errors.Is(err, models.ErrNotPending) {
			// A sweep already closed this run (timed out or bot declared
			// dead). The late report loses; return the stored state, and
			// store no output for it.
			return s.store.GetRun(ctx, run.RunID)
		}
		return nil, fmt.Errorf("finishing run %s: %w", run.RunID, err)
	}

	// The run is settled as this bot's completion; only now is the output
	// worth keeping. A storage failure degrades to a completed task with
	// no output reference rather than leaving the run open.
	var outputRef string
	if len(outputData) > 0 {
		ref, err := s.outputs.Put(ctx, run.TaskID, run.RunID, outputData)
		if err != nil {
			s.logger.Error("Failed to store task output",
				zap.String("run_id", run.RunID.String()), zap.Error(err))
		} else {
			outputRef = ref
		}
	}

	summary.State = models.StateCompleted
	summary.Failure = run.Failure
	summary.ExitCodes = run.ExitCodes
	summary.OutputRef = outputRef
	summary.CompletedAt = now
	summary.ModifiedAt = now
	if err := s.store.SaveSummary(ctx, summary); err != nil {
		return nil, fmt.Errorf("updating summary for %s: %w", run.TaskID, err)
	}

	if err := s.registry.SetTask(ctx, botID, uuid.Nil); err != nil {
		s.logger.Warn("Failed to mark bot idle", zap.String("bot_id", botID), zap.Error(err))
	}

	s.logger.Info("Task completed",
		zap.String("task_id", run.TaskID.String()),
		zap.String("run_id", run.RunID.String()),
		zap.String("bot_id", botID),
		zap.Bool("failure", run.Failure))
	s.recorder.RecordEvent("task.completed", map[string]interface{}{
		"task_id": run.TaskID.String(),
		"run_id":  run.RunID.String(),
		"bot_id":  botID,
		"failure": run.Failure,
	})
	return run, nil
}

// CancelTask cancels a still-pending task. The queue abort is the
// arbitration point: it succeeds at most once per task, so the CANCELED
// summary is written only by the cancel that actually won. Tasks that
// already started, expired, or settled return models.ErrNotPending and the
// summary is left exactly as it was.
func (s *Scheduler) CancelTask(ctx context.Context, identity string, taskID uuid.UUID) error {
	if !s.authz.IsAuthorized(identity, auth.ActionCancel) {
		return fmt.Errorf("%w: %s may not cancel tasks", models.ErrForbidden, identity)
	}

	if err := s.queue.Abort(ctx, taskID); err != nil {
		return err
	}

	summary, err := s.store.GetSummary(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loading summary for %s: %w", taskID, err)
	}
	now := time.Now().UTC()
	summary.State = models.StateCanceled
	summary.AbandonedAt = now
	summary.ModifiedAt = now
	if err := s.store.SaveSummary(ctx, summary); err != nil {
		return fmt.Errorf("updating summary for %s: %w", taskID, err)
	}

	s.logger.Info("Task canceled", zap.String("task_id", taskID.String()), zap.String("user", identity))
	s.recorder.RecordEvent("task.canceled", map[string]interface{}{
		"task_id": taskID.String(),
		"user":    identity,
	})
	return nil
}

// RetryTask duplicates a finished or stuck request's properties into a
// brand new request under the caller's identity. The original is left
// untouched in whatever state it reached.
func (s *Scheduler) RetryTask(ctx context.Context, identity string, taskID uuid.UUID) (*models.TaskRequest, error) {
	if !s.authz.IsAuthorized(identity, auth.ActionRetry) {
		return nil, fmt.Errorf("%w: %s may not retry tasks", models.ErrForbidden, identity)
	}

	orig, err := s.store.GetRequest(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.MakeRequest(ctx, identity, orig.ToSubmit(identity))
}

// Result returns the user-visible summary for a task.
func (s *Scheduler) Result(ctx context.Context, taskID uuid.UUID) (*models.TaskResultSummary, error) {
	return s.store.GetSummary(ctx, taskID)
}

// Request returns the immutable request record.
func (s *Scheduler) Request(ctx context.Context, taskID uuid.UUID) (*models.TaskRequest, error) {
	return s.store.GetRequest(ctx, taskID)
}

// ListResults returns summaries filtered by an explicit state set, newest
// first. An empty set means all states; callers wanting "active" ask for
// PENDING and RUNNING together.
func (s *Scheduler) ListResults(ctx context.Context, states []models.TaskState, limit int) ([]*models.TaskResultSummary, error) {
	return s.store.ListSummaries(ctx, states, limit)
}

// Output fetches the stored output bytes for a summary's output reference.
func (s *Scheduler) Output(ctx context.Context, ref string) ([]byte, error) {
	return s.outputs.Get(ctx, ref)
}

// QueueDepth reports how many tasks are pending and matchable.
func (s *Scheduler) QueueDepth(ctx context.Context) (int, error) {
	return s.queue.Depth(ctx)
}

// TagBotSeen stamps the bot's liveness record. Handlers call it on every
// handshake, poll, ping, and report, including for quarantined bots.
func (s *Scheduler) TagBotSeen(ctx context.Context, bot *models.Bot) error {
	return s.registry.TagBotSeen(ctx, bot)
}

// Bots returns all known bot records.
func (s *Scheduler) Bots(ctx context.Context) ([]*models.Bot, error) {
	return s.registry.List(ctx)
}

// DeadBotCount counts bots silent past the liveness cutoff as of now.
func (s *Scheduler) DeadBotCount(ctx context.Context, now time.Time) (int, error) {
	return s.registry.DeadCount(ctx, now.Add(-models.BotDeathTimeout))
}

// ExponentialBackoff returns how long an idle bot should sleep after
// sleepStreak consecutive empty polls. Deterministic, non-decreasing in the
// streak, and capped.
func ExponentialBackoff(sleepStreak int) time.Duration {
	if sleepStreak < 0 {
		sleepStreak = 0
	}
	if sleepStreak > backoffMaxStreak {
		sleepStreak = backoffMaxStreak
	}
	secs := math.Min(backoffCapSecs, math.Pow(1.5, float64(sleepStreak+1)))
	return time.Duration(secs * float64(time.Second))
}
