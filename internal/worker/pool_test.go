package worker

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/vk-harvester/internal/queue/memory"
)

func TestRunProcessesEveryTask(t *testing.T) {
	t.Parallel()

	q := memory.Fill([]int{1, 2, 3, 4, 5, 6, 7})
	results, err := Run(context.Background(), Config{Stage: "test", Workers: 3}, q,
		func(_ context.Context, n int) (int, error) { return n * n, nil })
	require.NoError(t, err)
	require.Len(t, results, 7)

	var squares []int
	for _, r := range results {
		require.NoError(t, r.Err)
		require.Equal(t, r.Input*r.Input, r.Output)
		squares = append(squares, r.Output)
	}
	slices.Sort(squares)
	require.Equal(t, []int{1, 4, 9, 16, 25, 36, 49}, squares)
}

func TestRunIsolatesFailuresAndPanics(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	q := memory.Fill([]string{"ok", "fail", "panic", "ok2"})
	results, err := Run(context.Background(), Config{Stage: "test", Workers: 2}, q,
		func(_ context.Context, s string) (string, error) {
			switch s {
			case "fail":
				return "", boom
			case "panic":
				panic("bad html")
			}
			return s, nil
		})
	require.NoError(t, err)
	require.Len(t, results, 4)

	byInput := map[string]error{}
	for _, r := range results {
		byInput[r.Input] = r.Err
	}
	require.NoError(t, byInput["ok"])
	require.NoError(t, byInput["ok2"])
	require.ErrorIs(t, byInput["fail"], boom)
	require.ErrorIs(t, byInput["panic"], ErrPanic)
}

func TestRunBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var active, peak atomic.Int32
	q := memory.Fill(make([]struct{}, 20))
	_, err := Run(context.Background(), Config{Stage: "test", Workers: 4}, q,
		func(_ context.Context, _ struct{}) (struct{}, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return struct{}{}, nil
		})
	require.NoError(t, err)
	require.LessOrEqual(t, peak.Load(), int32(4))
	require.Positive(t, peak.Load())
}

func TestRunZeroWorkersStillDrains(t *testing.T) {
	t.Parallel()

	results, err := Run(context.Background(), Config{Stage: "test"}, memory.Fill([]int{1, 2}),
		func(_ context.Context, n int) (int, error) { return n, nil })
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	q := memory.NewQueue[int](0)
	done := make(chan error, 1)
	go func() {
		_, err := Run(ctx, Config{Stage: "test", Workers: 2}, q,
			func(_ context.Context, n int) (int, error) { return n, nil })
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
