package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RunStatus mirrors the runs.status column.
type RunStatus string

// Run statuses.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Run is one orchestrator invocation.
type Run struct {
	ID           uuid.UUID  `json:"run_id"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Status       RunStatus  `json:"status"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

// StageCounters aggregates task outcomes of one stage within a run.
type StageCounters struct {
	RunID      uuid.UUID `json:"run_id"`
	Stage      string    `json:"stage"`
	Tasks      int64     `json:"tasks"`
	Failures   int64     `json:"failures"`
	Items      int64     `json:"items"`
	LastUpdate time.Time `json:"last_update"`
}

// RunRepository persists run bookkeeping fed by progress events.
type RunRepository interface {
	// StartRun inserts (or idempotently re-marks) a running run.
	StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// CompleteRun marks the run finished with status and optional error.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// AddStageCounters applies deltas to one (run, stage) row.
	AddStageCounters(ctx context.Context, runID uuid.UUID, stage string, tasks, failures, items int64, at time.Time) error

	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs newest first, optionally filtered by status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListRunStages returns the stage counters of one run.
	ListRunStages(ctx context.Context, runID uuid.UUID) ([]StageCounters, error)
}
