package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/taskfleet/dispatch/internal/models"
)

// InMemoryResultStore keeps everything in maps behind one RWMutex. Good for
// a single-process deployment and for tests.
type InMemoryResultStore struct {
	mu        sync.RWMutex
	requests  map[uuid.UUID]*models.TaskRequest
	summaries map[uuid.UUID]*models.TaskResultSummary
	runs      map[uuid.UUID]*models.TaskRunResult
}

// NewInMemoryResultStore creates an empty store.
func NewInMemoryResultStore() *InMemoryResultStore {
	return &InMemoryResultStore{
		requests:  make(map[uuid.UUID]*models.TaskRequest),
		summaries: make(map[uuid.UUID]*models.TaskResultSummary),
		runs:      make(map[uuid.UUID]*models.TaskRunResult),
	}
}

func (s *InMemoryResultStore) Initialize(ctx context.Context) error { return nil }

func (s *InMemoryResultStore) Close() error { return nil }

func (s *InMemoryResultStore) SaveRequest(ctx context.Context, req *models.TaskRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return models.ErrAlreadyExists
	}
	cp := *req
	s.requests[req.ID] = &cp
	return nil
}

func (s *InMemoryResultStore) GetRequest(ctx context.Context, taskID uuid.UUID) (*models.TaskRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[taskID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *InMemoryResultStore) SaveSummary(ctx context.Context, summary *models.TaskResultSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *summary
	s.summaries[summary.TaskID] = &cp
	return nil
}

func (s *InMemoryResultStore) GetSummary(ctx context.Context, taskID uuid.UUID) (*models.TaskResultSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, ok := s.summaries[taskID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *summary
	return &cp, nil
}

func (s *InMemoryResultStore) ListSummaries(ctx context.Context, states []models.TaskState, limit int) ([]*models.TaskResultSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[models.TaskState]struct{}, len(states))
	for _, st := range states {
		wanted[st] = struct{}{}
	}

	var out []*models.TaskResultSummary
	for _, summary := range s.summaries {
		if len(wanted) > 0 {
			if _, ok := wanted[summary.State]; !ok {
				continue
			}
		}
		cp := *summary
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryResultStore) CreateRun(ctx context.Context, run *models.TaskRunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.RunID]; exists {
		return models.ErrAlreadyExists
	}
	cp := *run
	s.runs[run.RunID] = &cp
	return nil
}

func (s *InMemoryResultStore) GetRun(ctx context.Context, runID uuid.UUID) (*models.TaskRunResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *InMemoryResultStore) ListOpenRuns(ctx context.Context) ([]*models.TaskRunResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var open []*models.TaskRunResult
	for _, run := range s.runs {
		if run.State == models.StateRunning {
			cp := *run
			open = append(open, &cp)
		}
	}
	return open, nil
}

func (s *InMemoryResultStore) FinishRun(ctx context.Context, run *models.TaskRunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.runs[run.RunID]
	if !ok {
		return models.ErrNotFound
	}
	if stored.State != models.StateRunning {
		return models.ErrNotPending
	}
	cp := *run
	s.runs[run.RunID] = &cp
	return nil
}
