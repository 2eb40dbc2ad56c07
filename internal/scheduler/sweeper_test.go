package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/taskfleet/dispatch/internal/models"
)

func TestExpireSweep(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler()
	sw := NewSweeper(s, 0, zap.NewNop())
	dims := map[string][]string{"pool": {"ci"}}

	short := testSubmit(dims)
	short.SchedulingDeadline = time.Minute
	expiring, err := s.MakeRequest(ctx, "alice", short)
	if err != nil {
		t.Fatalf("MakeRequest failed: %v", err)
	}
	keeper, err := s.MakeRequest(ctx, "alice", testSubmit(dims))
	if err != nil {
		t.Fatalf("MakeRequest failed: %v", err)
	}

	now := time.Now().UTC().Add(2 * time.Minute)
	if err := sw.ExpireSweep(ctx, now); err != nil {
		t.Fatalf("ExpireSweep failed: %v", err)
	}

	expired, err := s.Result(ctx, expiring.ID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if expired.State != models.StateExpired || expired.AbandonedAt.IsZero() {
		t.Fatalf("expected expired summary, got %+v", expired)
	}
	kept, err := s.Result(ctx, keeper.ID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if kept.State != models.StatePending {
		t.Fatalf("fresh task must survive the sweep, got %s", kept.State)
	}

	// Expired tasks leave matching.
	if _, _, err := s.BotReapTask(ctx, testBot("bot-1", dims)); err != nil {
		t.Fatalf("BotReapTask failed: %v", err)
	}
	if _, _, err := s.BotReapTask(ctx, testBot("bot-2", dims)); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected only the fresh task to remain, got %v", err)
	}

	// A second pass is a no-op.
	if err := sw.ExpireSweep(ctx, now.Add(time.Hour)); err != nil {
		t.Fatalf("second ExpireSweep failed: %v", err)
	}
	again, _ := s.Result(ctx, expiring.ID)
	if !again.AbandonedAt.Equal(expired.AbandonedAt) {
		t.Fatal("sweep must not touch an already-expired task")
	}
}

func TestCancelAfterExpiryLoses(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler()
	sw := NewSweeper(s, 0, zap.NewNop())
	dims := map[string][]string{"pool": {"ci"}}

	sub := testSubmit(dims)
	sub.SchedulingDeadline = time.Minute
	req, err := s.MakeRequest(ctx, "alice", sub)
	if err != nil {
		t.Fatalf("MakeRequest failed: %v", err)
	}
	if err := sw.ExpireSweep(ctx, time.Now().UTC().Add(2*time.Minute)); err != nil {
		t.Fatalf("ExpireSweep failed: %v", err)
	}
	expired, err := s.Result(ctx, req.ID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if expired.State != models.StateExpired {
		t.Fatalf("expected expired summary, got %s", expired.State)
	}

	// A cancel racing in after the sweep must not rewrite the terminal
	// state.
	if err := s.CancelTask(ctx, "alice", req.ID); !errors.Is(err, models.ErrNotPending) {
		t.Fatalf("expected ErrNotPending for a settled task, got %v", err)
	}
	after, err := s.Result(ctx, req.ID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if after.State != models.StateExpired || !after.AbandonedAt.Equal(expired.AbandonedAt) {
		t.Fatalf("expired summary was rewritten: %+v", after)
	}
}

func TestBotDeathSweepTimesOutRun(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler()
	sw := NewSweeper(s, 0, zap.NewNop())
	dims := map[string][]string{"pool": {"ci"}}

	sub := testSubmit(dims)
	sub.ExecutionTimeout = time.Minute
	req, err := s.MakeRequest(ctx, "alice", sub)
	if err != nil {
		t.Fatalf("MakeRequest failed: %v", err)
	}
	bot := testBot("bot-1", dims)
	if err := s.registry.TagBotSeen(ctx, bot); err != nil {
		t.Fatalf("TagBotSeen failed: %v", err)
	}
	if _, _, err := s.BotReapTask(ctx, bot); err != nil {
		t.Fatalf("BotReapTask failed: %v", err)
	}

	now := time.Now().UTC().Add(2 * time.Minute)
	if err := sw.BotDeathSweep(ctx, now); err != nil {
		t.Fatalf("BotDeathSweep failed: %v", err)
	}

	summary, err := s.Result(ctx, req.ID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if summary.State != models.StateTimedOut || !summary.Failure {
		t.Fatalf("expected timed out failure, got %+v", summary)
	}
}

func TestBotDeathSweepDetectsDeadBot(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler()
	sw := NewSweeper(s, 0, zap.NewNop())
	dims := map[string][]string{"pool": {"ci"}}

	sub := testSubmit(dims)
	sub.ExecutionTimeout = 24 * time.Hour
	req, err := s.MakeRequest(ctx, "alice", sub)
	if err != nil {
		t.Fatalf("MakeRequest failed: %v", err)
	}
	bot := testBot("bot-1", dims)
	if err := s.registry.TagBotSeen(ctx, bot); err != nil {
		t.Fatalf("TagBotSeen failed: %v", err)
	}
	if _, _, err := s.BotReapTask(ctx, bot); err != nil {
		t.Fatalf("BotReapTask failed: %v", err)
	}

	// Well past the liveness cutoff, well short of the execution timeout.
	now := time.Now().UTC().Add(models.BotDeathTimeout + time.Minute)
	if err := sw.BotDeathSweep(ctx, now); err != nil {
		t.Fatalf("BotDeathSweep failed: %v", err)
	}

	summary, err := s.Result(ctx, req.ID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if summary.State != models.StateBotDied {
		t.Fatalf("expected bot_died, got %s", summary.State)
	}

	// A late report from the dead bot loses to the sweep, and its output
	// is discarded along with it.
	late, err := s.BotUpdateTask(ctx, "bot-1", req.ID, []int{0}, []byte("stale log"))
	if err != nil {
		t.Fatalf("late report failed: %v", err)
	}
	if late.State != models.StateBotDied {
		t.Fatalf("late report must not overwrite the sweep, got %s", late.State)
	}
	after, _ := s.Result(ctx, req.ID)
	if after.OutputRef != "" {
		t.Fatalf("late output must not be stored, got ref %q", after.OutputRef)
	}
}

func TestBotDeathSweepLeavesHealthyRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler()
	sw := NewSweeper(s, 0, zap.NewNop())
	dims := map[string][]string{"pool": {"ci"}}

	req, err := s.MakeRequest(ctx, "alice", testSubmit(dims))
	if err != nil {
		t.Fatalf("MakeRequest failed: %v", err)
	}
	bot := testBot("bot-1", dims)
	if err := s.registry.TagBotSeen(ctx, bot); err != nil {
		t.Fatalf("TagBotSeen failed: %v", err)
	}
	if _, _, err := s.BotReapTask(ctx, bot); err != nil {
		t.Fatalf("BotReapTask failed: %v", err)
	}

	if err := sw.BotDeathSweep(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("BotDeathSweep failed: %v", err)
	}
	summary, _ := s.Result(ctx, req.ID)
	if summary.State != models.StateRunning {
		t.Fatalf("healthy run must stay open, got %s", summary.State)
	}
}

func TestDeadBotCount(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler()

	if err := s.registry.TagBotSeen(ctx, testBot("bot-1", nil)); err != nil {
		t.Fatalf("TagBotSeen failed: %v", err)
	}
	if err := s.registry.TagBotSeen(ctx, testBot("bot-2", nil)); err != nil {
		t.Fatalf("TagBotSeen failed: %v", err)
	}

	count, err := s.DeadBotCount(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("DeadBotCount failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("fresh bots counted dead: %d", count)
	}

	count, err = s.DeadBotCount(ctx, time.Now().UTC().Add(models.BotDeathTimeout+time.Minute))
	if err != nil {
		t.Fatalf("DeadBotCount failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected both bots dead past the cutoff, got %d", count)
	}
}
