package crawler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerPauserHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	TimerPauser{}.Pause(ctx, 5*time.Second)
	require.Less(t, time.Since(start), time.Second, "pause should exit immediately when context is done")
}

func TestJitterBounds(t *testing.T) {
	t.Parallel()

	require.Zero(t, Jitter(0))
	require.Zero(t, Jitter(-time.Second))
	for i := 0; i < 50; i++ {
		j := Jitter(10 * time.Millisecond)
		require.GreaterOrEqual(t, j, time.Duration(0))
		require.Less(t, j, 10*time.Millisecond)
	}
}
