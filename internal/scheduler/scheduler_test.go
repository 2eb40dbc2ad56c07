package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskfleet/dispatch/internal/auth"
	"github.com/taskfleet/dispatch/internal/models"
	"github.com/taskfleet/dispatch/internal/output"
	"github.com/taskfleet/dispatch/internal/queue"
	"github.com/taskfleet/dispatch/internal/registry"
	"github.com/taskfleet/dispatch/internal/store"
)

func newTestScheduler() *Scheduler {
	return New(
		queue.NewInMemoryTaskQueue(),
		store.NewInMemoryResultStore(),
		registry.NewInMemoryBotRegistry(),
		output.NewInMemoryStore(),
		nil,
		auth.AllowAll(),
		zap.NewNop(),
	)
}

func testSubmit(dims map[string][]string) *models.SubmitRequest {
	return &models.SubmitRequest{
		Name:       "compile",
		User:       "alice",
		Priority:   50,
		Commands:   [][]string{{"make", "all"}},
		Dimensions: dims,
	}
}

func testBot(id string, dims map[string][]string) *models.Bot {
	return &models.Bot{ID: id, Dimensions: dims, Version: "v1"}
}

func TestMakeRequestAndReap(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler()

	req, err := s.MakeRequest(ctx, "alice", testSubmit(map[string][]string{
		"os":   {"linux"},
		"pool": {"ci"},
	}))
	if err != nil {
		t.Fatalf("MakeRequest failed: %v", err)
	}

	summary, err := s.Result(ctx, req.ID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if summary.State != models.StatePending {
		t.Fatalf("expected pending summary, got %s", summary.State)
	}

	bot := testBot("bot-1", map[string][]string{
		"os":   {"linux"},
		"pool": {"ci"},
		"gpu":  {"none"},
	})
	got, run, err := s.BotReapTask(ctx, bot)
	if err != nil {
		t.Fatalf("BotReapTask failed: %v", err)
	}
	if got.ID != req.ID {
		t.Fatalf("reaped task %s, want %s", got.ID, req.ID)
	}
	if run.State != models.StateRunning || run.BotID != "bot-1" {
		t.Fatalf("unexpected run record: %+v", run)
	}

	summary, err = s.Result(ctx, req.ID)
	if err != nil {
		t.Fatalf("Result after reap failed: %v", err)
	}
	if summary.State != models.StateRunning || summary.BotID != "bot-1" {
		t.Fatalf("summary not updated after reap: %+v", summary)
	}

	// The task is claimed; a second poll finds nothing.
	if _, _, err := s.BotReapTask(ctx, testBot("bot-2", bot.Dimensions)); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on drained queue, got %v", err)
	}
}

func TestReapRespectsDimensions(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler()

	if _, err := s.MakeRequest(ctx, "alice", testSubmit(map[string][]string{
		"os": {"windows"},
	})); err != nil {
		t.Fatalf("MakeRequest failed: %v", err)
	}

	bot := testBot("linux-bot", map[string][]string{"os": {"linux"}})
	if _, _, err := s.BotReapTask(ctx, bot); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for mismatched bot, got %v", err)
	}
}

func TestReapPriorityOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler()
	dims := map[string][]string{"pool": {"ci"}}

	low := testSubmit(dims)
	low.Priority = 200
	lowReq, err := s.MakeRequest(ctx, "alice", low)
	if err != nil {
		t.Fatalf("MakeRequest low failed: %v", err)
	}
	high := testSubmit(dims)
	high.Priority = 10
	highReq, err := s.MakeRequest(ctx, "alice", high)
	if err != nil {
		t.Fatalf("MakeRequest high failed: %v", err)
	}

	bot := testBot("bot-1", dims)
	first, _, err := s.BotReapTask(ctx, bot)
	if err != nil {
		t.Fatalf("first reap failed: %v", err)
	}
	if first.ID != highReq.ID {
		t.Fatalf("expected the more urgent task first, got %s", first.ID)
	}
	second, _, err := s.BotReapTask(ctx, bot)
	if err != nil {
		t.Fatalf("second reap failed: %v", err)
	}
	if second.ID != lowReq.ID {
		t.Fatalf("expected the less urgent task second, got %s", second.ID)
	}
}

func TestConcurrentReapSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler()
	dims := map[string][]string{"pool": {"ci"}}

	req, err := s.MakeRequest(ctx, "alice", testSubmit(dims))
	if err != nil {
		t.Fatalf("MakeRequest failed: %v", err)
	}

	const bots = 16
	var wg sync.WaitGroup
	winners := make(chan string, bots)
	for i := 0; i < bots; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			bot := testBot(uuid.NewString(), dims)
			if got, _, err := s.BotReapTask(ctx, bot); err == nil && got.ID == req.ID {
				winners <- bot.ID
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one winning bot, got %d", count)
	}
}

func TestBotUpdateTaskCompletes(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler()
	dims := map[string][]string{"pool": {"ci"}}

	req, err := s.MakeRequest(ctx, "alice", testSubmit(dims))
	if err != nil {
		t.Fatalf("MakeRequest failed: %v", err)
	}
	if _, _, err := s.BotReapTask(ctx, testBot("bot-1", dims)); err != nil {
		t.Fatalf("BotReapTask failed: %v", err)
	}

	// A ping keeps the run open.
	pinged, err := s.BotUpdateTask(ctx, "bot-1", req.ID, nil, nil)
	if err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if pinged.State != models.StateRunning {
		t.Fatalf("ping must not close the run, got %s", pinged.State)
	}

	done, err := s.BotUpdateTask(ctx, "bot-1", req.ID, []int{0, 1}, []byte("build log"))
	if err != nil {
		t.Fatalf("final report failed: %v", err)
	}
	if done.State != models.StateCompleted || !done.Failure {
		t.Fatalf("expected completed failure, got state=%s failure=%v", done.State, done.Failure)
	}

	summary, err := s.Result(ctx, req.ID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if summary.State != models.StateCompleted || !summary.Failure {
		t.Fatalf("summary not finalized: %+v", summary)
	}
	if summary.OutputRef == "" {
		t.Fatal("expected an output reference on the summary")
	}
	data, err := s.Output(ctx, summary.OutputRef)
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	if string(data) != "build log" {
		t.Fatalf("unexpected output %q", data)
	}

	bot, err := s.registry.Get(ctx, "bot-1")
	if err != nil {
		t.Fatalf("registry Get failed: %v", err)
	}
	if bot.TaskID != uuid.Nil {
		t.Fatalf("bot should be idle after the final report, got %s", bot.TaskID)
	}
}

func TestBotUpdateTaskWrongBot(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler()
	dims := map[string][]string{"pool": {"ci"}}

	req, err := s.MakeRequest(ctx, "alice", testSubmit(dims))
	if err != nil {
		t.Fatalf("MakeRequest failed: %v", err)
	}
	if _, _, err := s.BotReapTask(ctx, testBot("bot-1", dims)); err != nil {
		t.Fatalf("BotReapTask failed: %v", err)
	}

	if _, err := s.BotUpdateTask(ctx, "imposter", req.ID, []int{0}, nil); !errors.Is(err, models.ErrWrongBot) {
		t.Fatalf("expected ErrWrongBot, got %v", err)
	}

	// A report for a task that never started is an unknown task.
	pending, err := s.MakeRequest(ctx, "alice", testSubmit(map[string][]string{"pool": {"other"}}))
	if err != nil {
		t.Fatalf("MakeRequest failed: %v", err)
	}
	if _, err := s.BotUpdateTask(ctx, "bot-1", pending.ID, []int{0}, nil); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an unclaimed task, got %v", err)
	}
}

func TestCancelTask(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler()
	dims := map[string][]string{"pool": {"ci"}}

	req, err := s.MakeRequest(ctx, "alice", testSubmit(dims))
	if err != nil {
		t.Fatalf("MakeRequest failed: %v", err)
	}
	if err := s.CancelTask(ctx, "alice", req.ID); err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}

	summary, err := s.Result(ctx, req.ID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if summary.State != models.StateCanceled || summary.AbandonedAt.IsZero() {
		t.Fatalf("expected canceled summary with abandoned timestamp, got %+v", summary)
	}

	// The canceled task is gone from matching.
	if _, _, err := s.BotReapTask(ctx, testBot("bot-1", dims)); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("canceled task must not be reapable, got %v", err)
	}
}

func TestCancelRunningTaskRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler()
	dims := map[string][]string{"pool": {"ci"}}

	req, err := s.MakeRequest(ctx, "alice", testSubmit(dims))
	if err != nil {
		t.Fatalf("MakeRequest failed: %v", err)
	}
	if _, _, err := s.BotReapTask(ctx, testBot("bot-1", dims)); err != nil {
		t.Fatalf("BotReapTask failed: %v", err)
	}

	if err := s.CancelTask(ctx, "alice", req.ID); !errors.Is(err, models.ErrNotPending) {
		t.Fatalf("expected ErrNotPending for running task, got %v", err)
	}
	summary, err := s.Result(ctx, req.ID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if summary.State != models.StateRunning {
		t.Fatalf("failed cancel must not touch the summary, got %s", summary.State)
	}
}

func TestRetryTask(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler()
	dims := map[string][]string{"os": {"linux"}, "pool": {"ci"}}

	orig, err := s.MakeRequest(ctx, "alice", testSubmit(dims))
	if err != nil {
		t.Fatalf("MakeRequest failed: %v", err)
	}
	if err := s.CancelTask(ctx, "alice", orig.ID); err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}

	dup, err := s.RetryTask(ctx, "bob", orig.ID)
	if err != nil {
		t.Fatalf("RetryTask failed: %v", err)
	}
	if dup.ID == orig.ID {
		t.Fatal("retry must mint a fresh task id")
	}
	if dup.User != "bob" {
		t.Fatalf("retry runs under the caller, got user %q", dup.User)
	}
	if dup.Name != orig.Name || dup.Priority != orig.Priority {
		t.Fatalf("retry must copy properties: %+v", dup)
	}

	// The duplicate is schedulable; the original stays canceled.
	got, _, err := s.BotReapTask(ctx, testBot("bot-1", dims))
	if err != nil {
		t.Fatalf("BotReapTask failed: %v", err)
	}
	if got.ID != dup.ID {
		t.Fatalf("expected the duplicate to be claimed, got %s", got.ID)
	}
	origSummary, _ := s.Result(ctx, orig.ID)
	if origSummary.State != models.StateCanceled {
		t.Fatalf("original summary changed: %s", origSummary.State)
	}
}

func TestMakeRequestRejectsOversizedRequirement(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler()

	dims := make(map[string][]string)
	values := make([]string, 16)
	for i := range values {
		values[i] = string(rune('a' + i))
	}
	for _, key := range []string{"k1", "k2", "k3", "k4"} {
		dims[key] = values
	}

	if _, err := s.MakeRequest(ctx, "alice", testSubmit(dims)); !errors.Is(err, models.ErrQuarantined) {
		t.Fatalf("expected ErrQuarantined, got %v", err)
	}
}

func TestMakeRequestValidates(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler()

	bad := testSubmit(map[string][]string{"pool": {"ci"}})
	bad.Priority = 999
	if _, err := s.MakeRequest(ctx, "alice", bad); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if depth, _ := s.QueueDepth(ctx); depth != 0 {
		t.Fatalf("rejected request must not enqueue, depth=%d", depth)
	}
}

func TestAuthorizationDenied(t *testing.T) {
	ctx := context.Background()
	s := New(
		queue.NewInMemoryTaskQueue(),
		store.NewInMemoryResultStore(),
		registry.NewInMemoryBotRegistry(),
		output.NewInMemoryStore(),
		nil,
		auth.NewStaticAuthorizer(map[auth.Action][]string{
			auth.ActionSubmit: {"alice"},
		}),
		zap.NewNop(),
	)

	if _, err := s.MakeRequest(ctx, "mallory", testSubmit(map[string][]string{"pool": {"ci"}})); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := s.CancelTask(ctx, "mallory", uuid.New()); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("expected ErrForbidden on cancel, got %v", err)
	}
}

func TestExponentialBackoff(t *testing.T) {
	prev := time.Duration(0)
	for streak := 0; streak <= 20; streak++ {
		d := ExponentialBackoff(streak)
		if d < prev {
			t.Fatalf("backoff decreased at streak %d: %v < %v", streak, d, prev)
		}
		if d > 60*time.Second {
			t.Fatalf("backoff exceeds the cap at streak %d: %v", streak, d)
		}
		prev = d
	}
	if ExponentialBackoff(0) < time.Second {
		t.Fatalf("first backoff too short: %v", ExponentialBackoff(0))
	}
	if ExponentialBackoff(-5) != ExponentialBackoff(0) {
		t.Fatal("negative streak must clamp to zero")
	}
}
