package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskfleet/dispatch/internal/models"
)

// DefaultSweepInterval is how often the reconciliation sweeps run when the
// config leaves it unset.
const DefaultSweepInterval = 60 * time.Second

// expireBatchSize bounds one ExpireSweep pass. Leftovers are picked up next
// tick; the sweep must never hold the queue for an unbounded scan.
const expireBatchSize = 500

// Sweeper runs the periodic reconciliation passes: pending-task expiry and
// dead-bot / execution-timeout detection. Both passes take an explicit
// instant so they stay deterministic under test, and both are idempotent:
// the queue's expire and the store's run-finish guard refuse to transition
// the same entity twice.
type Sweeper struct {
	sched    *Scheduler
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper creates a sweeper over the given scheduler. A non-positive
// interval falls back to DefaultSweepInterval.
func NewSweeper(sched *Scheduler, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		sched:    sched,
		interval: interval,
		logger:   logger.Named("sweeper"),
	}
}

// Run blocks, sweeping every interval until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopping")
			return
		case now := <-ticker.C:
			if err := s.SweepOnce(ctx, now.UTC()); err != nil {
				s.logger.Error("Sweep pass failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce runs both passes for the given instant.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) error {
	if err := s.ExpireSweep(ctx, now); err != nil {
		return err
	}
	return s.BotDeathSweep(ctx, now)
}

// ExpireSweep moves pending tasks whose scheduling deadline passed to
// EXPIRED. The queue's ExpireBefore is the arbiter: a task it returns was
// atomically removed from matching and cannot also be claimed.
func (s *Sweeper) ExpireSweep(ctx context.Context, now time.Time) error {
	expired, err := s.sched.queue.ExpireBefore(ctx, now, expireBatchSize)
	if err != nil {
		return fmt.Errorf("expiring queue entries: %w", err)
	}

	for _, taskID := range expired {
		if err := s.markSummaryAbandoned(ctx, taskID, models.StateExpired, now); err != nil {
			s.logger.Error("Failed to mark task expired",
				zap.String("task_id", taskID.String()), zap.Error(err))
			continue
		}
		s.sched.recorder.RecordEvent("task.expired", map[string]interface{}{
			"task_id": taskID.String(),
		})
	}
	if len(expired) > 0 {
		s.logger.Info("Expired pending tasks", zap.Int("count", len(expired)))
	}
	return nil
}

// BotDeathSweep closes open runs whose bot went silent (BOT_DIED) or whose
// execution timeout elapsed (TIMED_OUT). The run-finish guard makes a
// second pass over the same run a no-op, so the sweep may race a late bot
// report safely.
func (s *Sweeper) BotDeathSweep(ctx context.Context, now time.Time) error {
	open, err := s.sched.store.ListOpenRuns(ctx)
	if err != nil {
		return fmt.Errorf("listing open runs: %w", err)
	}

	for _, run := range open {
		state, ok, err := s.diagnoseRun(ctx, run, now)
		if err != nil {
			s.logger.Error("Failed to diagnose open run",
				zap.String("run_id", run.RunID.String()), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if err := s.abandonRun(ctx, run, state, now); err != nil {
			if errors.Is(err, models.ErrNotPending) {
				continue // The bot's report beat us to it.
			}
			s.logger.Error("Failed to abandon run",
				zap.String("run_id", run.RunID.String()),
				zap.String("state", string(state)), zap.Error(err))
		}
	}
	return nil
}

// diagnoseRun decides whether an open run must be closed and with which
// terminal state. Timeout wins over bot death when both hold: the task did
// get its full execution window.
func (s *Sweeper) diagnoseRun(ctx context.Context, run *models.TaskRunResult, now time.Time) (models.TaskState, bool, error) {
	req, err := s.sched.store.GetRequest(ctx, run.TaskID)
	if err != nil {
		return "", false, fmt.Errorf("loading request %s: %w", run.TaskID, err)
	}
	if now.After(run.StartedAt.Add(req.Properties.ExecutionTimeout)) {
		return models.StateTimedOut, true, nil
	}

	bot, err := s.sched.registry.Get(ctx, run.BotID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// The claimer vanished from the registry entirely.
			return models.StateBotDied, true, nil
		}
		return "", false, fmt.Errorf("loading bot %s: %w", run.BotID, err)
	}
	if bot.IsDead(now) {
		return models.StateBotDied, true, nil
	}
	return "", false, nil
}

func (s *Sweeper) abandonRun(ctx context.Context, run *models.TaskRunResult, state models.TaskState, now time.Time) error {
	run.State = state
	run.Failure = true
	run.AbandonedAt = now
	run.CompletedAt = now
	if err := s.sched.store.FinishRun(ctx, run); err != nil {
		return err
	}

	summary, err := s.sched.store.GetSummary(ctx, run.TaskID)
	if err != nil {
		return fmt.Errorf("loading summary for %s: %w", run.TaskID, err)
	}
	summary.State = state
	summary.Failure = true
	summary.AbandonedAt = now
	summary.ModifiedAt = now
	if err := s.sched.store.SaveSummary(ctx, summary); err != nil {
		return fmt.Errorf("updating summary for %s: %w", run.TaskID, err)
	}

	if err := s.sched.registry.SetTask(ctx, run.BotID, uuid.Nil); err != nil && !errors.Is(err, models.ErrNotFound) {
		s.logger.Warn("Failed to clear bot task marker",
			zap.String("bot_id", run.BotID), zap.Error(err))
	}

	s.logger.Warn("Run abandoned",
		zap.String("task_id", run.TaskID.String()),
		zap.String("run_id", run.RunID.String()),
		zap.String("bot_id", run.BotID),
		zap.String("state", string(state)))
	s.sched.recorder.RecordEvent("task.abandoned", map[string]interface{}{
		"task_id": run.TaskID.String(),
		"run_id":  run.RunID.String(),
		"bot_id":  run.BotID,
		"state":   string(state),
	})
	return nil
}

func (s *Sweeper) markSummaryAbandoned(ctx context.Context, taskID uuid.UUID, state models.TaskState, now time.Time) error {
	summary, err := s.sched.store.GetSummary(ctx, taskID)
	if err != nil {
		return err
	}
	summary.State = state
	summary.AbandonedAt = now
	summary.ModifiedAt = now
	return s.sched.store.SaveSummary(ctx, summary)
}
