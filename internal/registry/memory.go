package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskfleet/dispatch/internal/models"
)

// InMemoryBotRegistry is a thread-safe map-backed registry for
// single-process deployments and tests.
type InMemoryBotRegistry struct {
	mu   sync.RWMutex
	bots map[string]*models.Bot
}

// NewInMemoryBotRegistry creates an empty registry.
func NewInMemoryBotRegistry() *InMemoryBotRegistry {
	return &InMemoryBotRegistry{bots: make(map[string]*models.Bot)}
}

func (r *InMemoryBotRegistry) Initialize(ctx context.Context) error { return nil }

func (r *InMemoryBotRegistry) Close() error { return nil }

func (r *InMemoryBotRegistry) TagBotSeen(ctx context.Context, bot *models.Bot) error {
	if bot.ID == "" {
		return models.ErrInvalidKey
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	cp := *bot
	cp.LastSeenAt = now
	if existing, ok := r.bots[bot.ID]; ok {
		cp.FirstSeenAt = existing.FirstSeenAt
		if cp.TaskID == uuid.Nil {
			cp.TaskID = existing.TaskID
		}
	} else {
		cp.FirstSeenAt = now
	}
	r.bots[bot.ID] = &cp
	return nil
}

func (r *InMemoryBotRegistry) Get(ctx context.Context, botID string) (*models.Bot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bot, ok := r.bots[botID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *bot
	return &cp, nil
}

func (r *InMemoryBotRegistry) SetTask(ctx context.Context, botID string, taskID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bot, ok := r.bots[botID]
	if !ok {
		return models.ErrNotFound
	}
	bot.TaskID = taskID
	return nil
}

func (r *InMemoryBotRegistry) List(ctx context.Context) ([]*models.Bot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Bot, 0, len(r.bots))
	for _, bot := range r.bots {
		cp := *bot
		out = append(out, &cp)
	}
	return out, nil
}

func (r *InMemoryBotRegistry) ListDead(ctx context.Context, cutoff time.Time) ([]*models.Bot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var dead []*models.Bot
	for _, bot := range r.bots {
		if bot.LastSeenAt.Before(cutoff) {
			cp := *bot
			dead = append(dead, &cp)
		}
	}
	return dead, nil
}

func (r *InMemoryBotRegistry) DeadCount(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, bot := range r.bots {
		if bot.LastSeenAt.Before(cutoff) {
			count++
		}
	}
	return count, nil
}
