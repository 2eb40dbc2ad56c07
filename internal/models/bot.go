package models

import (
	"time"

	"github.com/google/uuid"
)

// BotDeathTimeout is how long a bot may stay silent before it is considered
// dead. Open runs claimed by a dead bot move to BOT_DIED during the
// liveness sweep.
const BotDeathTimeout = 5 * time.Minute

// Bot is the registry record for one worker process. It is rewritten on
// every handshake and poll; the scheduler reads it during matching and the
// fleet-health views read it for liveness queries.
type Bot struct {
	ID          string              `json:"id" yaml:"id"`
	Dimensions  map[string][]string `json:"dimensions" yaml:"dimensions"`
	IP          string              `json:"ip,omitempty" yaml:"ip,omitempty"`
	Version     string              `json:"version" yaml:"version"`
	Quarantined bool                `json:"quarantined" yaml:"quarantined"`
	TaskID      uuid.UUID           `json:"task_id,omitempty" yaml:"task_id,omitempty"` // Current run, if any.
	FirstSeenAt time.Time           `json:"first_seen_at" yaml:"first_seen_at"`
	LastSeenAt  time.Time           `json:"last_seen_at" yaml:"last_seen_at"`
}

// IsDead reports whether the bot missed the liveness cutoff at the given
// instant.
func (b *Bot) IsDead(now time.Time) bool {
	return b.LastSeenAt.Before(now.Add(-BotDeathTimeout))
}
