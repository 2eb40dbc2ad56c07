package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/taskfleet/dispatch/internal/models"
)

// PostgresResultStore implements ResultStore on PostgreSQL. Request
// properties live in a JSONB column; the summary fields used for listing
// are proper columns so the state filter is a plain indexed query instead
// of two queries merged in memory.
type PostgresResultStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresResultStore creates a store backed by the given pool.
func NewPostgresResultStore(db *pgxpool.Pool, logger *zap.Logger) *PostgresResultStore {
	return &PostgresResultStore{db: db, logger: logger}
}

// Initialize creates the three tables.
func (ps *PostgresResultStore) Initialize(ctx context.Context) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS task_requests (
		task_id UUID PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		task_user VARCHAR(255) NOT NULL,
		priority INTEGER NOT NULL,
		properties JSONB NOT NULL,
		scheduling_deadline_ns BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_results (
		task_id UUID PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		task_user VARCHAR(255) NOT NULL,
		state VARCHAR(32) NOT NULL,
		failure BOOLEAN NOT NULL DEFAULT FALSE,
		bot_id VARCHAR(255),
		run_id UUID,
		exit_codes JSONB,
		output_ref TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		modified_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		abandoned_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS task_runs (
		run_id UUID PRIMARY KEY,
		task_id UUID NOT NULL,
		bot_id VARCHAR(255) NOT NULL,
		state VARCHAR(32) NOT NULL,
		failure BOOLEAN NOT NULL DEFAULT FALSE,
		exit_codes JSONB,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		abandoned_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_task_results_state_created ON task_results (state, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_task_runs_state ON task_runs (state) WHERE state = 'running';
	CREATE INDEX IF NOT EXISTS idx_task_runs_task_id ON task_runs (task_id);
	`
	if _, err := ps.db.Exec(ctx, createTableSQL); err != nil {
		ps.logger.Error("Failed to create result store tables", zap.Error(err))
		return fmt.Errorf("initializing result store tables: %w", err)
	}
	ps.logger.Info("Result store tables checked/created successfully")
	return nil
}

func (ps *PostgresResultStore) SaveRequest(ctx context.Context, req *models.TaskRequest) error {
	propertiesJSON, err := json.Marshal(req.Properties)
	if err != nil {
		return fmt.Errorf("marshalling request properties: %w", err)
	}

	sqlQuery := `
	INSERT INTO task_requests (task_id, name, task_user, priority, properties, scheduling_deadline_ns, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = ps.db.Exec(ctx, sqlQuery,
		req.ID, req.Name, req.User, req.Priority, propertiesJSON, int64(req.SchedulingDeadline), req.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.ErrAlreadyExists
		}
		ps.logger.Error("Failed to save task request", zap.String("task_id", req.ID.String()), zap.Error(err))
		return fmt.Errorf("saving request %s: %w", req.ID, err)
	}
	return nil
}

func (ps *PostgresResultStore) GetRequest(ctx context.Context, taskID uuid.UUID) (*models.TaskRequest, error) {
	sqlQuery := `
	SELECT task_id, name, task_user, priority, properties, scheduling_deadline_ns, created_at
	FROM task_requests WHERE task_id = $1
	`
	req := &models.TaskRequest{}
	var propertiesJSON []byte
	var deadlineNS int64

	err := ps.db.QueryRow(ctx, sqlQuery, taskID).Scan(
		&req.ID, &req.Name, &req.User, &req.Priority, &propertiesJSON, &deadlineNS, &req.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("getting request %s: %w", taskID, err)
	}
	if err := json.Unmarshal(propertiesJSON, &req.Properties); err != nil {
		return nil, fmt.Errorf("unmarshalling properties for request %s: %w", taskID, err)
	}
	req.SchedulingDeadline = time.Duration(deadlineNS)
	return req, nil
}

func (ps *PostgresResultStore) SaveSummary(ctx context.Context, summary *models.TaskResultSummary) error {
	exitCodesJSON, err := json.Marshal(summary.ExitCodes)
	if err != nil {
		return fmt.Errorf("marshalling summary exit codes: %w", err)
	}

	sqlQuery := `
	INSERT INTO task_results (
		task_id, name, task_user, state, failure, bot_id, run_id, exit_codes,
		output_ref, created_at, modified_at, started_at, completed_at, abandoned_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (task_id) DO UPDATE SET
		state = EXCLUDED.state,
		failure = EXCLUDED.failure,
		bot_id = EXCLUDED.bot_id,
		run_id = EXCLUDED.run_id,
		exit_codes = EXCLUDED.exit_codes,
		output_ref = EXCLUDED.output_ref,
		modified_at = EXCLUDED.modified_at,
		started_at = EXCLUDED.started_at,
		completed_at = EXCLUDED.completed_at,
		abandoned_at = EXCLUDED.abandoned_at
	`
	_, err = ps.db.Exec(ctx, sqlQuery,
		summary.TaskID, summary.Name, summary.User, summary.State, summary.Failure,
		nullableString(summary.BotID), nullableUUID(summary.RunID), exitCodesJSON,
		nullableString(summary.OutputRef), summary.CreatedAt, summary.ModifiedAt,
		nullableTime(summary.StartedAt), nullableTime(summary.CompletedAt), nullableTime(summary.AbandonedAt))
	if err != nil {
		ps.logger.Error("Failed to save task summary", zap.String("task_id", summary.TaskID.String()), zap.Error(err))
		return fmt.Errorf("saving summary %s: %w", summary.TaskID, err)
	}
	return nil
}

func (ps *PostgresResultStore) GetSummary(ctx context.Context, taskID uuid.UUID) (*models.TaskResultSummary, error) {
	sqlQuery := selectSummarySQL + ` WHERE task_id = $1`
	summary, err := scanSummary(ps.db.QueryRow(ctx, sqlQuery, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("getting summary %s: %w", taskID, err)
	}
	return summary, nil
}

func (ps *PostgresResultStore) ListSummaries(ctx context.Context, states []models.TaskState, limit int) ([]*models.TaskResultSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows pgx.Rows
	var err error
	if len(states) == 0 {
		rows, err = ps.db.Query(ctx, selectSummarySQL+` ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		names := make([]string, len(states))
		for i, st := range states {
			names[i] = string(st)
		}
		rows, err = ps.db.Query(ctx,
			selectSummarySQL+` WHERE state = ANY($1::VARCHAR[]) ORDER BY created_at DESC LIMIT $2`,
			names, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing summaries: %w", err)
	}
	defer rows.Close()

	var out []*models.TaskResultSummary
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning summary row: %w", err)
		}
		out = append(out, summary)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterating summary rows: %w", rows.Err())
	}
	return out, nil
}

func (ps *PostgresResultStore) CreateRun(ctx context.Context, run *models.TaskRunResult) error {
	exitCodesJSON, err := json.Marshal(run.ExitCodes)
	if err != nil {
		return fmt.Errorf("marshalling run exit codes: %w", err)
	}

	sqlQuery := `
	INSERT INTO task_runs (run_id, task_id, bot_id, state, failure, exit_codes, started_at, completed_at, abandoned_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = ps.db.Exec(ctx, sqlQuery,
		run.RunID, run.TaskID, run.BotID, run.State, run.Failure, exitCodesJSON,
		run.StartedAt, nullableTime(run.CompletedAt), nullableTime(run.AbandonedAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.ErrAlreadyExists
		}
		return fmt.Errorf("creating run %s: %w", run.RunID, err)
	}
	return nil
}

func (ps *PostgresResultStore) GetRun(ctx context.Context, runID uuid.UUID) (*models.TaskRunResult, error) {
	sqlQuery := selectRunSQL + ` WHERE run_id = $1`
	run, err := scanRun(ps.db.QueryRow(ctx, sqlQuery, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("getting run %s: %w", runID, err)
	}
	return run, nil
}

func (ps *PostgresResultStore) ListOpenRuns(ctx context.Context) ([]*models.TaskRunResult, error) {
	rows, err := ps.db.Query(ctx, selectRunSQL+` WHERE state = 'running'`)
	if err != nil {
		return nil, fmt.Errorf("listing open runs: %w", err)
	}
	defer rows.Close()

	var out []*models.TaskRunResult
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		out = append(out, run)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterating run rows: %w", rows.Err())
	}
	return out, nil
}

func (ps *PostgresResultStore) FinishRun(ctx context.Context, run *models.TaskRunResult) error {
	exitCodesJSON, err := json.Marshal(run.ExitCodes)
	if err != nil {
		return fmt.Errorf("marshalling run exit codes: %w", err)
	}

	// The state guard makes terminal transitions first-writer-wins; a sweep
	// racing a bot report cannot overwrite the other's outcome.
	sqlQuery := `
	UPDATE task_runs
	SET state = $2, failure = $3, exit_codes = $4, completed_at = $5, abandoned_at = $6
	WHERE run_id = $1 AND state = 'running'
	`
	cmdTag, err := ps.db.Exec(ctx, sqlQuery,
		run.RunID, run.State, run.Failure, exitCodesJSON,
		nullableTime(run.CompletedAt), nullableTime(run.AbandonedAt))
	if err != nil {
		ps.logger.Error("Failed to finish run", zap.String("run_id", run.RunID.String()), zap.Error(err))
		return fmt.Errorf("finishing run %s: %w", run.RunID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		if _, getErr := ps.GetRun(ctx, run.RunID); getErr != nil {
			return getErr
		}
		return models.ErrNotPending
	}
	return nil
}

func (ps *PostgresResultStore) Close() error {
	if ps.db != nil {
		ps.logger.Info("Closing result store database connection pool")
		ps.db.Close()
	}
	return nil
}

const selectSummarySQL = `
	SELECT task_id, name, task_user, state, failure, bot_id, run_id, exit_codes,
	       output_ref, created_at, modified_at, started_at, completed_at, abandoned_at
	FROM task_results`

const selectRunSQL = `
	SELECT run_id, task_id, bot_id, state, failure, exit_codes, started_at, completed_at, abandoned_at
	FROM task_runs`

func scanSummary(row pgx.Row) (*models.TaskResultSummary, error) {
	summary := &models.TaskResultSummary{}
	var botID, outputRef *string
	var runID *uuid.UUID
	var exitCodesJSON []byte
	var startedAt, completedAt, abandonedAt *time.Time

	err := row.Scan(
		&summary.TaskID, &summary.Name, &summary.User, &summary.State, &summary.Failure,
		&botID, &runID, &exitCodesJSON, &outputRef,
		&summary.CreatedAt, &summary.ModifiedAt, &startedAt, &completedAt, &abandonedAt)
	if err != nil {
		return nil, err
	}
	if botID != nil {
		summary.BotID = *botID
	}
	if runID != nil {
		summary.RunID = *runID
	}
	if outputRef != nil {
		summary.OutputRef = *outputRef
	}
	if len(exitCodesJSON) > 0 {
		if err := json.Unmarshal(exitCodesJSON, &summary.ExitCodes); err != nil {
			return nil, fmt.Errorf("unmarshalling summary exit codes: %w", err)
		}
	}
	summary.StartedAt = derefTime(startedAt)
	summary.CompletedAt = derefTime(completedAt)
	summary.AbandonedAt = derefTime(abandonedAt)
	return summary, nil
}

func scanRun(row pgx.Row) (*models.TaskRunResult, error) {
	run := &models.TaskRunResult{}
	var exitCodesJSON []byte
	var completedAt, abandonedAt *time.Time

	err := row.Scan(
		&run.RunID, &run.TaskID, &run.BotID, &run.State, &run.Failure,
		&exitCodesJSON, &run.StartedAt, &completedAt, &abandonedAt)
	if err != nil {
		return nil, err
	}
	if len(exitCodesJSON) > 0 {
		if err := json.Unmarshal(exitCodesJSON, &run.ExitCodes); err != nil {
			return nil, fmt.Errorf("unmarshalling run exit codes: %w", err)
		}
	}
	run.CompletedAt = derefTime(completedAt)
	run.AbandonedAt = derefTime(abandonedAt)
	return run, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
