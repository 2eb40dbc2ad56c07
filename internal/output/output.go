// Package output stores the raw output a bot reports with its final result.
// The summary only carries an opaque reference; the bytes live here.
package output

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/taskfleet/dispatch/internal/models"
)

// Store persists task output and hands back an opaque reference.
type Store interface {
	// Put stores the output of a run and returns its reference.
	Put(ctx context.Context, taskID, runID uuid.UUID, data []byte) (string, error)

	// Get returns the output bytes for a reference. models.ErrNotFound if
	// the reference is unknown.
	Get(ctx context.Context, ref string) ([]byte, error)
}

// InMemoryStore keeps outputs in a map. Fine for single-process
// deployments; production uses the MinIO store.
type InMemoryStore struct {
	mu      sync.RWMutex
	outputs map[string][]byte
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{outputs: make(map[string][]byte)}
}

func (s *InMemoryStore) Put(ctx context.Context, taskID, runID uuid.UUID, data []byte) (string, error) {
	ref := outputKey(taskID, runID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (s *InMemoryStore) Get(ctx context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.outputs[ref]
	if !ok {
		return nil, models.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func outputKey(taskID, runID uuid.UUID) string {
	return fmt.Sprintf("%s/%s/output", taskID, runID)
}
