package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskfleet/dispatch/internal/models"
)

// InMemoryTaskQueue is a mutex-guarded queue for single-process deployments
// and tests. The mutex gives the same claim atomicity the Postgres
// implementation gets from a conditional UPDATE.
type InMemoryTaskQueue struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*TaskToRun
	byHash  map[uint32]map[uuid.UUID]struct{}
}

// NewInMemoryTaskQueue creates an empty in-memory queue.
func NewInMemoryTaskQueue() *InMemoryTaskQueue {
	return &InMemoryTaskQueue{
		entries: make(map[uuid.UUID]*TaskToRun),
		byHash:  make(map[uint32]map[uuid.UUID]struct{}),
	}
}

func (q *InMemoryTaskQueue) Initialize(ctx context.Context) error { return nil }

func (q *InMemoryTaskQueue) Close() error { return nil }

func (q *InMemoryTaskQueue) Enqueue(ctx context.Context, entry *TaskToRun) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.entries[entry.TaskID]; exists {
		return models.ErrAlreadyExists
	}
	cp := *entry
	q.entries[entry.TaskID] = &cp
	for _, h := range cp.Hashes {
		set, ok := q.byHash[h]
		if !ok {
			set = make(map[uuid.UUID]struct{})
			q.byHash[h] = set
		}
		set[cp.TaskID] = struct{}{}
	}
	return nil
}

func (q *InMemoryTaskQueue) FindMatch(ctx context.Context, lookup []uint32, skip map[uuid.UUID]struct{}) (*TaskToRun, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	now := time.Now().UTC()
	var best *TaskToRun
	seen := make(map[uuid.UUID]struct{})
	for _, h := range lookup {
		for id := range q.byHash[h] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if _, skipped := skip[id]; skipped {
				continue
			}
			entry := q.entries[id]
			if entry == nil || !entry.Claimable(now) {
				continue
			}
			if best == nil || better(entry, best) {
				best = entry
			}
		}
	}
	if best == nil {
		return nil, models.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

// better reports whether a should be handed out before b: highest priority
// first (lowest integer), then FIFO within the tier.
func better(a, b *TaskToRun) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.QueuedAt.Before(b.QueuedAt)
}

func (q *InMemoryTaskQueue) Claim(ctx context.Context, taskID uuid.UUID, botID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[taskID]
	if !ok {
		return models.ErrNotFound
	}
	if entry.Aborted || entry.ClaimedBy != "" {
		return models.ErrClaimConflict
	}
	entry.ClaimedBy = botID
	q.unindexLocked(entry)
	return nil
}

func (q *InMemoryTaskQueue) Abort(ctx context.Context, taskID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[taskID]
	if !ok {
		return models.ErrNotFound
	}
	if entry.ClaimedBy != "" || entry.Aborted {
		return models.ErrNotPending
	}
	entry.Aborted = true
	q.unindexLocked(entry)
	return nil
}

func (q *InMemoryTaskQueue) Get(ctx context.Context, taskID uuid.UUID) (*TaskToRun, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	entry, ok := q.entries[taskID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

func (q *InMemoryTaskQueue) ExpireBefore(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []uuid.UUID
	for id, entry := range q.entries {
		if len(expired) >= limit {
			break
		}
		if entry.Aborted || entry.ClaimedBy != "" {
			continue
		}
		if entry.ExpiresAt.After(now) {
			continue
		}
		entry.Aborted = true
		q.unindexLocked(entry)
		expired = append(expired, id)
	}
	return expired, nil
}

func (q *InMemoryTaskQueue) Depth(ctx context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	now := time.Now().UTC()
	depth := 0
	for _, entry := range q.entries {
		if entry.Claimable(now) {
			depth++
		}
	}
	return depth, nil
}

// unindexLocked drops the entry from the hash index once it leaves matching
// consideration. The caller holds the write lock.
func (q *InMemoryTaskQueue) unindexLocked(entry *TaskToRun) {
	for _, h := range entry.Hashes {
		if set, ok := q.byHash[h]; ok {
			delete(set, entry.TaskID)
			if len(set) == 0 {
				delete(q.byHash, h)
			}
		}
	}
}
