// Package registry tracks the fleet: one record per bot, rewritten on every
// handshake and poll. It owns Bot records; the scheduler reads them during
// matching and the liveness sweep reads them to find dead bots.
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskfleet/dispatch/internal/models"
)

// BotRegistry is the registry contract. Implementations are in-memory and
// PostgreSQL, mirroring the other stores.
type BotRegistry interface {
	// TagBotSeen upserts the bot record, stamping LastSeenAt and preserving
	// FirstSeenAt across updates. It runs on every handshake and poll, even
	// for quarantined bots, so the fleet-health views keep seeing them.
	TagBotSeen(ctx context.Context, bot *models.Bot) error

	// Get returns the bot record. models.ErrNotFound if never seen.
	Get(ctx context.Context, botID string) (*models.Bot, error)

	// SetTask records the run a bot is working on, or clears it with
	// uuid.Nil.
	SetTask(ctx context.Context, botID string, taskID uuid.UUID) error

	// List returns all known bots.
	List(ctx context.Context) ([]*models.Bot, error)

	// ListDead returns bots whose LastSeenAt is before the cutoff.
	ListDead(ctx context.Context, cutoff time.Time) ([]*models.Bot, error)

	// DeadCount counts bots past the cutoff without loading the records.
	DeadCount(ctx context.Context, cutoff time.Time) (int, error)

	Initialize(ctx context.Context) error
	Close() error
}
