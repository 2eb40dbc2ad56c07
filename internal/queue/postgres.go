package queue

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

// PostgresTaskQueue implements TaskQueue on PostgreSQL. The claim is a
// conditional UPDATE (claimed_by IS NULL AND NOT aborted), which is the
// cross-process compare-and-set the engine relies on: an in-memory mutex
// would not survive a second scheduler node.
type PostgresTaskQueue struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresTaskQueue creates a queue backed by the given pool.
func NewPostgresTaskQueue(db *pgxpool.Pool, logger *zap.Logger) *PostgresTaskQueue {
	return &PostgresTaskQueue{db: db, logger: logger}
}

// Initialize creates the task_to_run table and its matching index.
func (pq *PostgresTaskQueue) Initialize(ctx context.Context) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS task_to_run (
		task_id UUID PRIMARY KEY,
		priority INTEGER NOT NULL,
		hashes BIGINT[] NOT NULL,
		dimensions JSONB NOT NULL,
		queued_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		claimed_by VARCHAR(255),
		aborted BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_task_to_run_hashes ON task_to_run USING GIN (hashes);
	CREATE INDEX IF NOT EXISTS idx_task_to_run_order ON task_to_run (priority ASC, queued_at ASC)
		WHERE claimed_by IS NULL AND NOT aborted;
	`
	if _, err := pq.db.Exec(ctx, createTableSQL); err != nil {
		pq.logger.Error("Failed to create 'task_to_run' table", zap.Error(err))
		return fmt.Errorf("initializing task_to_run table: %w", err)
	}
	pq.logger.Info("'task_to_run' table checked/created successfully")
	return nil
}

func (pq *PostgresTaskQueue) Enqueue(ctx context.Context, entry *TaskToRun) error {
	dimensionsJSON, err := json.Marshal(entry.Dimensions)
	if err != nil {
		return fmt.Errorf("marshalling dimensions for enqueue: %w", err)
	}

	sqlQuery := `
	INSERT INTO task_to_run (task_id, priority, hashes, dimensions, queued_at, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (task_id) DO NOTHING
	`
	cmdTag, err := pq.db.Exec(ctx, sqlQuery,
		entry.TaskID,
		entry.Priority,
		hashesToInt64(entry.Hashes),
		dimensionsJSON,
		entry.QueuedAt,
		entry.ExpiresAt,
	)
	if err != nil {
		pq.logger.Error("Failed to enqueue task", zap.String("task_id", entry.TaskID.String()), zap.Error(err))
		return fmt.Errorf("enqueueing task %s: %w", entry.TaskID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return models.ErrAlreadyExists
	}
	pq.logger.Debug("Task enqueued", zap.String("task_id", entry.TaskID.String()), zap.Int("priority", entry.Priority))
	return nil
}

func (pq *PostgresTaskQueue) FindMatch(ctx context.Context, lookup []uint32, skip map[uuid.UUID]struct{}) (*TaskToRun, error) {
	skipIDs := make([]uuid.UUID, 0, len(skip))
	for id := range skip {
		skipIDs = append(skipIDs, id)
	}

	sqlQuery := `
	SELECT task_id, priority, hashes, dimensions, queued_at, expires_at, claimed_by, aborted
	FROM task_to_run
	WHERE claimed_by IS NULL
	  AND NOT aborted
	  AND expires_at > NOW()
	  AND hashes && $1::BIGINT[]
	  AND NOT (task_id = ANY($2::UUID[]))
	ORDER BY priority ASC, queued_at ASC
	LIMIT 1
	`
	row := pq.db.QueryRow(ctx, sqlQuery, hashesToInt64(lookup), skipIDs)
	entry, err := scanTaskToRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		pq.logger.Error("Failed to search pending queue", zap.Error(err))
		return nil, fmt.Errorf("searching pending queue: %w", err)
	}
	return entry, nil
}

func (pq *PostgresTaskQueue) Claim(ctx context.Context, taskID uuid.UUID, botID string) error {
	// The WHERE clause is the whole point: only one concurrent UPDATE can
	// move claimed_by off NULL, and an aborted row can never be claimed.
	sqlQuery := `
	UPDATE task_to_run
	SET claimed_by = $2
	WHERE task_id = $1 AND claimed_by IS NULL AND NOT aborted
	`
	cmdTag, err := pq.db.Exec(ctx, sqlQuery, taskID, botID)
	if err != nil {
		pq.logger.Error("Failed to claim task", zap.String("task_id", taskID.String()), zap.String("bot_id", botID), zap.Error(err))
		return fmt.Errorf("claiming task %s for bot %s: %w", taskID, botID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return models.ErrClaimConflict
	}
	pq.logger.Debug("Task claimed", zap.String("task_id", taskID.String()), zap.String("bot_id", botID))
	return nil
}

func (pq *PostgresTaskQueue) Abort(ctx context.Context, taskID uuid.UUID) error {
	sqlQuery := `
	UPDATE task_to_run
	SET aborted = TRUE
	WHERE task_id = $1 AND claimed_by IS NULL AND NOT aborted
	`
	cmdTag, err := pq.db.Exec(ctx, sqlQuery, taskID)
	if err != nil {
		pq.logger.Error("Failed to abort task", zap.String("task_id", taskID.String()), zap.Error(err))
		return fmt.Errorf("aborting task %s: %w", taskID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		// The row does not exist, a bot claimed it first, or it was
		// already aborted.
		if _, err := pq.Get(ctx, taskID); err != nil {
			return err
		}
		return models.ErrNotPending
	}
	return nil
}

func (pq *PostgresTaskQueue) Get(ctx context.Context, taskID uuid.UUID) (*TaskToRun, error) {
	sqlQuery := `
	SELECT task_id, priority, hashes, dimensions, queued_at, expires_at, claimed_by, aborted
	FROM task_to_run WHERE task_id = $1
	`
	entry, err := scanTaskToRun(pq.db.QueryRow(ctx, sqlQuery, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("getting queue entry %s: %w", taskID, err)
	}
	return entry, nil
}

func (pq *PostgresTaskQueue) ExpireBefore(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	sqlQuery := `
	UPDATE task_to_run
	SET aborted = TRUE
	WHERE task_id IN (
		SELECT task_id FROM task_to_run
		WHERE claimed_by IS NULL AND NOT aborted AND expires_at <= $1
		LIMIT $2
	)
	RETURNING task_id
	`
	rows, err := pq.db.Query(ctx, sqlQuery, now, limit)
	if err != nil {
		pq.logger.Error("Failed to expire pending entries", zap.Error(err))
		return nil, fmt.Errorf("expiring pending entries: %w", err)
	}
	defer rows.Close()

	var expired []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning expired task id: %w", err)
		}
		expired = append(expired, id)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterating expired task ids: %w", rows.Err())
	}
	return expired, nil
}

func (pq *PostgresTaskQueue) Depth(ctx context.Context) (int, error) {
	sqlQuery := `
	SELECT COUNT(*) FROM task_to_run
	WHERE claimed_by IS NULL AND NOT aborted AND expires_at > NOW()
	`
	var depth int
	if err := pq.db.QueryRow(ctx, sqlQuery).Scan(&depth); err != nil {
		return 0, fmt.Errorf("counting pending queue depth: %w", err)
	}
	return depth, nil
}

func (pq *PostgresTaskQueue) Close() error {
	// The pool is shared with the other stores; the owner closes it.
	return nil
}

func scanTaskToRun(row pgx.Row) (*TaskToRun, error) {
	entry := &TaskToRun{}
	var hashes []int64
	var dimensionsJSON []byte
	var claimedBy *string

	err := row.Scan(
		&entry.TaskID,
		&entry.Priority,
		&hashes,
		&dimensionsJSON,
		&entry.QueuedAt,
		&entry.ExpiresAt,
		&claimedBy,
		&entry.Aborted,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(dimensionsJSON, &entry.Dimensions); err != nil {
		return nil, fmt.Errorf("unmarshalling queue entry dimensions: %w", err)
	}
	entry.Hashes = make([]uint32, len(hashes))
	for i, h := range hashes {
		entry.Hashes[i] = uint32(h)
	}
	if claimedBy != nil {
		entry.ClaimedBy = *claimedBy
	}
	return entry, nil
}

func hashesToInt64(hashes []uint32) []int64 {
	out := make([]int64, len(hashes))
	for i, h := range hashes {
		out[i] = int64(h)
	}
	return out
}
