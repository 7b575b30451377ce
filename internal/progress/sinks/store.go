package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/vk-harvester/internal/progress"
	"github.com/JakeFAU/vk-harvester/internal/store"
)

// StoreSink folds task events into per-stage counter deltas and records run
// lifecycle in a store.RunRepository.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for repo.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

type stageKey struct {
	runID uuid.UUID
	stage string
}

type stageDelta struct {
	tasks    int64
	failures int64
	items    int64
	at       time.Time
}

// Consume starts runs first, then writes one delta per (run, stage), then
// completes runs, so a batch holding a whole run lands in order.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[stageKey]*stageDelta)
	var order []stageKey
	var finished []progress.Event

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Kind {
		case progress.KindRunStart:
			if err := s.repo.StartRun(ctx, runID, evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.KindRunDone, progress.KindRunError:
			finished = append(finished, evt)
		case progress.KindTaskDone, progress.KindTaskFailed, progress.KindStageDone:
			key := stageKey{runID: runID, stage: evt.Stage}
			d, ok := deltas[key]
			if !ok {
				d = &stageDelta{}
				deltas[key] = d
				order = append(order, key)
			}
			switch evt.Kind {
			case progress.KindTaskDone:
				d.tasks++
				d.items += evt.Items
			case progress.KindTaskFailed:
				d.tasks++
				d.failures++
			}
			if evt.TS.After(d.at) {
				d.at = evt.TS
			}
		}
	}

	for _, key := range order {
		d := deltas[key]
		if err := s.repo.AddStageCounters(ctx, key.runID, key.stage, d.tasks, d.failures, d.items, d.at); err != nil {
			return fmt.Errorf("add stage counters: %w", err)
		}
	}

	for _, evt := range finished {
		status := store.RunSuccess
		var note *string
		if evt.Kind == progress.KindRunError {
			status = store.RunError
			if evt.Note != "" {
				msg := evt.Note
				note = &msg
			}
		}
		if err := s.repo.CompleteRun(ctx, evt.RunUUID(), evt.TS, status, note); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the repository outlives the hub.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
