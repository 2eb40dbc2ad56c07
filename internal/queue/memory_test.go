package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/taskfleet/dispatch/internal/models"
)

func testEntry(priority int, queuedAt time.Time, hashes ...uint32) *TaskToRun {
	return &TaskToRun{
		TaskID:     uuid.New(),
		Priority:   priority,
		Hashes:     hashes,
		Dimensions: map[string][]string{"pool": {"default"}},
		QueuedAt:   queuedAt,
		ExpiresAt:  queuedAt.Add(time.Hour),
	}
}

func TestFindMatchPriorityBeforeFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryTaskQueue()
	now := time.Now().UTC()

	older := testEntry(50, now.Add(-time.Minute), 7)
	urgent := testEntry(10, now, 7)
	for _, e := range []*TaskToRun{older, urgent} {
		if err := q.Enqueue(ctx, e); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	got, err := q.FindMatch(ctx, []uint32{7}, nil)
	if err != nil {
		t.Fatalf("FindMatch: %v", err)
	}
	if got.TaskID != urgent.TaskID {
		t.Fatalf("expected priority 10 task first, got priority %d", got.Priority)
	}
}

func TestFindMatchFIFOWithinPriorityTier(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryTaskQueue()
	now := time.Now().UTC()

	first := testEntry(50, now.Add(-2*time.Minute), 7)
	second := testEntry(50, now.Add(-time.Minute), 7)
	for _, e := range []*TaskToRun{second, first} {
		if err := q.Enqueue(ctx, e); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	got, err := q.FindMatch(ctx, []uint32{7}, nil)
	if err != nil {
		t.Fatalf("FindMatch: %v", err)
	}
	if got.TaskID != first.TaskID {
		t.Fatalf("expected oldest entry within the tier")
	}
}

func TestClaimExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryTaskQueue()
	entry := testEntry(50, time.Now().UTC(), 7)
	if err := q.Enqueue(ctx, entry); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	const bots = 32
	var wg sync.WaitGroup
	wins := make(chan string, bots)
	for i := 0; i < bots; i++ {
		wg.Add(1)
		botID := "bot-" + uuid.New().String()
		go func() {
			defer wg.Done()
			if err := q.Claim(ctx, entry.TaskID, botID); err == nil {
				wins <- botID
			} else if !errors.Is(err, models.ErrClaimConflict) {
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one claim winner, got %d", len(winners))
	}

	got, err := q.Get(ctx, entry.TaskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ClaimedBy != winners[0] {
		t.Fatalf("claimed_by %q does not match winner %q", got.ClaimedBy, winners[0])
	}
}

func TestClaimedEntryLeavesMatching(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryTaskQueue()
	entry := testEntry(50, time.Now().UTC(), 7)
	if err := q.Enqueue(ctx, entry); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Claim(ctx, entry.TaskID, "bot-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := q.FindMatch(ctx, []uint32{7}, nil); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("claimed entry still matchable, err=%v", err)
	}
}

func TestAbortWinsOverLaterClaim(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryTaskQueue()
	entry := testEntry(50, time.Now().UTC(), 7)
	if err := q.Enqueue(ctx, entry); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Abort(ctx, entry.TaskID); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if err := q.Claim(ctx, entry.TaskID, "bot-1"); !errors.Is(err, models.ErrClaimConflict) {
		t.Fatalf("expected ErrClaimConflict after abort, got %v", err)
	}
	// Abort transitions at most once; a second abort loses.
	if err := q.Abort(ctx, entry.TaskID); !errors.Is(err, models.ErrNotPending) {
		t.Fatalf("expected ErrNotPending on double abort, got %v", err)
	}
	// And the other way around: a claimed entry cannot be aborted.
	entry2 := testEntry(50, time.Now().UTC(), 8)
	if err := q.Enqueue(ctx, entry2); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Claim(ctx, entry2.TaskID, "bot-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := q.Abort(ctx, entry2.TaskID); !errors.Is(err, models.ErrNotPending) {
		t.Fatalf("expected ErrNotPending aborting a claimed entry, got %v", err)
	}
}

func TestExpireBeforeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryTaskQueue()
	now := time.Now().UTC()

	stale := testEntry(50, now.Add(-2*time.Hour), 7)
	stale.ExpiresAt = now.Add(-time.Hour)
	fresh := testEntry(50, now, 8)
	for _, e := range []*TaskToRun{stale, fresh} {
		if err := q.Enqueue(ctx, e); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	expired, err := q.ExpireBefore(ctx, now, 100)
	if err != nil {
		t.Fatalf("ExpireBefore: %v", err)
	}
	if len(expired) != 1 || expired[0] != stale.TaskID {
		t.Fatalf("expected only the stale entry to expire, got %v", expired)
	}

	again, err := q.ExpireBefore(ctx, now, 100)
	if err != nil {
		t.Fatalf("ExpireBefore (second run): %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second sweep re-expired entries: %v", again)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected depth 1 after expiry, got %d", depth)
	}

	// An expired entry is settled; a later cancel attempt loses.
	if err := q.Abort(ctx, stale.TaskID); !errors.Is(err, models.ErrNotPending) {
		t.Fatalf("expected ErrNotPending aborting an expired entry, got %v", err)
	}
}
