package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/vk-harvester/internal/store"
)

// RunStore implements store.RunRepository using Postgres.
type RunStore struct {
	db DB
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore wraps a pool. The caller owns the pool's lifetime.
func NewRunStore(db DB) *RunStore {
	return &RunStore{db: db}
}

// StartRun inserts a run or re-marks it running.
func (s *RunStore) StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	query := `
		INSERT INTO runs (id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status;
	`
	if _, err := s.db.Exec(ctx, query, runID, startedAt, string(store.RunRunning)); err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// CompleteRun marks a run finished with a status and optional error message.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	tag, err := s.db.Exec(ctx, query, finishedAt, string(status), errMsg, runID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AddStageCounters applies deltas to one (run, stage) row.
func (s *RunStore) AddStageCounters(
	ctx context.Context,
	runID uuid.UUID,
	stage string,
	tasks, failures, items int64,
	at time.Time,
) error {
	query := `
		INSERT INTO run_stages (run_id, stage, tasks, failures, items, last_update)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, stage) DO UPDATE
		SET tasks = run_stages.tasks + EXCLUDED.tasks,
			failures = run_stages.failures + EXCLUDED.failures,
			items = run_stages.items + EXCLUDED.items,
			last_update = GREATEST(run_stages.last_update, EXCLUDED.last_update);
	`
	if _, err := s.db.Exec(ctx, query, runID, stage, tasks, failures, items, at); err != nil {
		return fmt.Errorf("failed to add stage counters: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := `
		SELECT id, started_at, finished_at, status, error_message
		FROM runs
		WHERE id = $1;
	`
	var (
		run    store.Run
		status string
	)
	err := s.db.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	run.Status = store.RunStatus(status)
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	query := `
		SELECT id, started_at, finished_at, status, error_message
		FROM runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.db.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.Run{}
	for rows.Next() {
		var (
			run store.Run
			st  string
		)
		if err := rows.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &st, &run.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		run.Status = store.RunStatus(st)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read run rows: %w", err)
	}
	return runs, nil
}

// ListRunStages retrieves the stage counters of one run.
func (s *RunStore) ListRunStages(ctx context.Context, runID uuid.UUID) ([]store.StageCounters, error) {
	query := `
		SELECT run_id, stage, tasks, failures, items, last_update
		FROM run_stages
		WHERE run_id = $1
		ORDER BY stage;
	`
	rows, err := s.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run stages: %w", err)
	}
	defer rows.Close()

	stages := []store.StageCounters{}
	for rows.Next() {
		var row store.StageCounters
		if err := rows.Scan(&row.RunID, &row.Stage, &row.Tasks, &row.Failures, &row.Items, &row.LastUpdate); err != nil {
			return nil, fmt.Errorf("failed to scan stage row: %w", err)
		}
		stages = append(stages, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stage rows: %w", err)
	}
	return stages, nil
}
