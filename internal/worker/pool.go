// Package worker runs a stage's tasks across a bounded set of goroutines.
// A task failure never stops its siblings: it is recovered, logged and
// returned as a Result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/vk-harvester/internal/queue/memory"
	"github.com/JakeFAU/vk-harvester/internal/telemetry"
)

// Func processes one task.
type Func[In, Out any] func(ctx context.Context, in In) (Out, error)

// Result is the outcome of one task. Exactly one of Output and Err is
// meaningful.
type Result[In, Out any] struct {
	Input   In
	Output  Out
	Err     error
	Elapsed time.Duration
}

// Config controls a Run.
type Config struct {
	Stage   string
	Workers int
	Logger  *zap.Logger
}

// ErrPanic wraps a recovered task panic.
var ErrPanic = errors.New("task panicked")

// Run drains q with cfg.Workers goroutines and returns one Result per
// dequeued task, in completion order. It returns early with ctx's error when
// ctx ends; results gathered so far are still returned.
func Run[In, Out any](ctx context.Context, cfg Config, q *memory.Queue[In], fn Func[In, Out]) ([]Result[In, Out], error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := max(cfg.Workers, 1)

	var (
		mu      sync.Mutex
		results = make([]Result[In, Out], 0, q.Len())
		g       errgroup.Group
	)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				in, err := q.Dequeue(ctx)
				if errors.Is(err, memory.ErrClosed) {
					return nil
				}
				if err != nil {
					return err
				}
				res := runOne(ctx, cfg.Stage, in, fn)
				if res.Err != nil {
					logger.Warn("task failed",
						zap.String("stage", cfg.Stage),
						zap.Any("task", in),
						zap.Duration("elapsed", res.Elapsed),
						zap.Error(res.Err),
					)
				}
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}
		})
	}
	err := g.Wait()
	if err != nil {
		return results, fmt.Errorf("%s workers: %w", cfg.Stage, err)
	}
	return results, nil
}

func runOne[In, Out any](ctx context.Context, stage string, in In, fn Func[In, Out]) (res Result[In, Out]) {
	start := time.Now()
	telemetry.IncActiveWorkers(stage)
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())
		}
		res.Input = in
		res.Elapsed = time.Since(start)
		telemetry.DecActiveWorkers(stage)
		telemetry.ObserveTask(stage, res.Elapsed)
	}()
	res.Output, res.Err = fn(ctx, in)
	return res
}
