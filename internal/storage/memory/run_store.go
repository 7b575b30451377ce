package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/vk-harvester/internal/store"
)

// RunStore implements store.RunRepository in memory.
type RunStore struct {
	mu     sync.RWMutex
	runs   map[uuid.UUID]store.Run
	stages map[uuid.UUID]map[string]store.StageCounters
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:   make(map[uuid.UUID]store.Run),
		stages: make(map[uuid.UUID]map[string]store.StageCounters),
	}
}

// StartRun records a running run. Repeated calls keep the first start time.
func (s *RunStore) StartRun(_ context.Context, runID uuid.UUID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		run = store.Run{ID: runID, StartedAt: startedAt}
	}
	run.Status = store.RunRunning
	s.runs[runID] = run
	return nil
}

// CompleteRun marks the run finished.
func (s *RunStore) CompleteRun(
	_ context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.FinishedAt = pointerTime(finishedAt)
	run.Status = status
	run.ErrorMessage = errMsg
	s.runs[runID] = run
	return nil
}

// AddStageCounters applies deltas to one (run, stage) row.
func (s *RunStore) AddStageCounters(
	_ context.Context,
	runID uuid.UUID,
	stage string,
	tasks, failures, items int64,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStage := s.stages[runID]
	if byStage == nil {
		byStage = make(map[string]store.StageCounters)
		s.stages[runID] = byStage
	}
	row := byStage[stage]
	row.RunID = runID
	row.Stage = stage
	row.Tasks += tasks
	row.Failures += failures
	row.Items += items
	if at.After(row.LastUpdate) {
		row.LastUpdate = at
	}
	byStage[stage] = row
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	runs := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	slices.SortFunc(runs, func(a, b store.Run) int { return b.StartedAt.Compare(a.StartedAt) })
	return page(runs, limit, offset), nil
}

// ListRunStages returns stage rows ordered by stage name.
func (s *RunStore) ListRunStages(_ context.Context, runID uuid.UUID) ([]store.StageCounters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.StageCounters, 0, len(s.stages[runID]))
	for _, row := range s.stages[runID] {
		out = append(out, row)
	}
	slices.SortFunc(out, func(a, b store.StageCounters) int { return cmp.Compare(a.Stage, b.Stage) })
	return out, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[max(offset, 0):]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
