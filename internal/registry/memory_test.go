package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/taskfleet/dispatch/internal/models"
)

func TestTagBotSeenPreservesFirstSeen(t *testing.T) {
	ctx := context.Background()
	r := NewInMemoryBotRegistry()

	bot := &models.Bot{ID: "bot-1", Version: "v1", Dimensions: map[string][]string{"os": {"linux"}}}
	if err := r.TagBotSeen(ctx, bot); err != nil {
		t.Fatalf("TagBotSeen: %v", err)
	}
	first, err := r.Get(ctx, "bot-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	bot.Version = "v2"
	if err := r.TagBotSeen(ctx, bot); err != nil {
		t.Fatalf("TagBotSeen (update): %v", err)
	}
	updated, err := r.Get(ctx, "bot-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if !updated.FirstSeenAt.Equal(first.FirstSeenAt) {
		t.Fatalf("FirstSeenAt changed on update: %v -> %v", first.FirstSeenAt, updated.FirstSeenAt)
	}
	if !updated.LastSeenAt.After(first.LastSeenAt) {
		t.Fatalf("LastSeenAt not refreshed")
	}
	if updated.Version != "v2" {
		t.Fatalf("version not updated: %q", updated.Version)
	}
}

func TestTagBotSeenRejectsEmptyID(t *testing.T) {
	if err := NewInMemoryBotRegistry().TagBotSeen(context.Background(), &models.Bot{}); !errors.Is(err, models.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestSetTaskAndClear(t *testing.T) {
	ctx := context.Background()
	r := NewInMemoryBotRegistry()
	if err := r.TagBotSeen(ctx, &models.Bot{ID: "bot-1", Version: "v1"}); err != nil {
		t.Fatalf("TagBotSeen: %v", err)
	}

	taskID := uuid.New()
	if err := r.SetTask(ctx, "bot-1", taskID); err != nil {
		t.Fatalf("SetTask: %v", err)
	}
	bot, _ := r.Get(ctx, "bot-1")
	if bot.TaskID != taskID {
		t.Fatalf("task not recorded")
	}

	if err := r.SetTask(ctx, "bot-1", uuid.Nil); err != nil {
		t.Fatalf("SetTask (clear): %v", err)
	}
	bot, _ = r.Get(ctx, "bot-1")
	if bot.TaskID != uuid.Nil {
		t.Fatalf("task not cleared")
	}

	if err := r.SetTask(ctx, "no-such-bot", taskID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeadCountUsesCutoff(t *testing.T) {
	ctx := context.Background()
	r := NewInMemoryBotRegistry()
	if err := r.TagBotSeen(ctx, &models.Bot{ID: "bot-1", Version: "v1"}); err != nil {
		t.Fatalf("TagBotSeen: %v", err)
	}

	past := time.Now().UTC().Add(-time.Minute)
	n, err := r.DeadCount(ctx, past)
	if err != nil {
		t.Fatalf("DeadCount: %v", err)
	}
	if n != 0 {
		t.Fatalf("fresh bot counted dead")
	}

	future := time.Now().UTC().Add(models.BotDeathTimeout + time.Minute)
	n, err = r.DeadCount(ctx, future)
	if err != nil {
		t.Fatalf("DeadCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 dead bot with future cutoff, got %d", n)
	}

	dead, err := r.ListDead(ctx, future)
	if err != nil {
		t.Fatalf("ListDead: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != "bot-1" {
		t.Fatalf("unexpected dead list: %#v", dead)
	}
}
