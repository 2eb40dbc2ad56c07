package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/taskfleet/dispatch/internal/models"
)

// PostgresBotRegistry implements BotRegistry on PostgreSQL.
type PostgresBotRegistry struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresBotRegistry creates a registry backed by the given pool.
func NewPostgresBotRegistry(db *pgxpool.Pool, logger *zap.Logger) *PostgresBotRegistry {
	return &PostgresBotRegistry{db: db, logger: logger}
}

// Initialize creates the bots table.
func (pr *PostgresBotRegistry) Initialize(ctx context.Context) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS bots (
		bot_id VARCHAR(255) PRIMARY KEY,
		dimensions JSONB NOT NULL,
		ip VARCHAR(64),
		version VARCHAR(128) NOT NULL,
		quarantined BOOLEAN NOT NULL DEFAULT FALSE,
		task_id UUID,
		first_seen_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bots_last_seen_at ON bots (last_seen_at);
	`
	if _, err := pr.db.Exec(ctx, createTableSQL); err != nil {
		pr.logger.Error("Failed to create 'bots' table", zap.Error(err))
		return fmt.Errorf("initializing bots table: %w", err)
	}
	pr.logger.Info("'bots' table checked/created successfully")
	return nil
}

func (pr *PostgresBotRegistry) TagBotSeen(ctx context.Context, bot *models.Bot) error {
	if bot.ID == "" {
		return models.ErrInvalidKey
	}
	dimensionsJSON, err := json.Marshal(bot.Dimensions)
	if err != nil {
		return fmt.Errorf("marshalling bot dimensions: %w", err)
	}

	now := time.Now().UTC()
	sqlQuery := `
	INSERT INTO bots (bot_id, dimensions, ip, version, quarantined, task_id, first_seen_at, last_seen_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	ON CONFLICT (bot_id) DO UPDATE SET
		dimensions = EXCLUDED.dimensions,
		ip = EXCLUDED.ip,
		version = EXCLUDED.version,
		quarantined = EXCLUDED.quarantined,
		task_id = COALESCE(EXCLUDED.task_id, bots.task_id),
		last_seen_at = EXCLUDED.last_seen_at
	`
	var taskID *uuid.UUID
	if bot.TaskID != uuid.Nil {
		taskID = &bot.TaskID
	}
	_, err = pr.db.Exec(ctx, sqlQuery, bot.ID, dimensionsJSON, bot.IP, bot.Version, bot.Quarantined, taskID, now)
	if err != nil {
		pr.logger.Error("Failed to tag bot seen", zap.String("bot_id", bot.ID), zap.Error(err))
		return fmt.Errorf("tagging bot %s: %w", bot.ID, err)
	}
	return nil
}

func (pr *PostgresBotRegistry) Get(ctx context.Context, botID string) (*models.Bot, error) {
	sqlQuery := `
	SELECT bot_id, dimensions, ip, version, quarantined, task_id, first_seen_at, last_seen_at
	FROM bots WHERE bot_id = $1
	`
	bot, err := scanBot(pr.db.QueryRow(ctx, sqlQuery, botID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("getting bot %s: %w", botID, err)
	}
	return bot, nil
}

func (pr *PostgresBotRegistry) SetTask(ctx context.Context, botID string, taskID uuid.UUID) error {
	var assigned *uuid.UUID
	if taskID != uuid.Nil {
		assigned = &taskID
	}
	cmdTag, err := pr.db.Exec(ctx, `UPDATE bots SET task_id = $2 WHERE bot_id = $1`, botID, assigned)
	if err != nil {
		return fmt.Errorf("setting task for bot %s: %w", botID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (pr *PostgresBotRegistry) List(ctx context.Context) ([]*models.Bot, error) {
	sqlQuery := `
	SELECT bot_id, dimensions, ip, version, quarantined, task_id, first_seen_at, last_seen_at
	FROM bots ORDER BY bot_id
	`
	rows, err := pr.db.Query(ctx, sqlQuery)
	if err != nil {
		return nil, fmt.Errorf("listing bots: %w", err)
	}
	return scanBots(rows)
}

func (pr *PostgresBotRegistry) ListDead(ctx context.Context, cutoff time.Time) ([]*models.Bot, error) {
	sqlQuery := `
	SELECT bot_id, dimensions, ip, version, quarantined, task_id, first_seen_at, last_seen_at
	FROM bots WHERE last_seen_at < $1
	`
	rows, err := pr.db.Query(ctx, sqlQuery, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing dead bots: %w", err)
	}
	return scanBots(rows)
}

func (pr *PostgresBotRegistry) DeadCount(ctx context.Context, cutoff time.Time) (int, error) {
	var count int
	err := pr.db.QueryRow(ctx, `SELECT COUNT(*) FROM bots WHERE last_seen_at < $1`, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting dead bots: %w", err)
	}
	return count, nil
}

func (pr *PostgresBotRegistry) Close() error {
	// The pool is shared; the owner closes it.
	return nil
}

func scanBot(row pgx.Row) (*models.Bot, error) {
	bot := &models.Bot{}
	var dimensionsJSON []byte
	var ip *string
	var taskID *uuid.UUID

	err := row.Scan(&bot.ID, &dimensionsJSON, &ip, &bot.Version, &bot.Quarantined, &taskID, &bot.FirstSeenAt, &bot.LastSeenAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(dimensionsJSON, &bot.Dimensions); err != nil {
		return nil, fmt.Errorf("unmarshalling bot dimensions: %w", err)
	}
	if ip != nil {
		bot.IP = *ip
	}
	if taskID != nil {
		bot.TaskID = *taskID
	}
	return bot, nil
}

func scanBots(rows pgx.Rows) ([]*models.Bot, error) {
	defer rows.Close()

	var bots []*models.Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning bot row: %w", err)
		}
		bots = append(bots, bot)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterating bot rows: %w", rows.Err())
	}
	return bots, nil
}
