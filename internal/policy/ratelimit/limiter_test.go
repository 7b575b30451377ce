package ratelimit

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu      sync.Mutex
	t       time.Time
	advance bool
	slept   []time.Duration
}

func newFakeClock(advance bool) *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0), advance: advance}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slept = append(c.slept, d)
	if c.advance {
		c.t = c.t.Add(d)
	}
	return ctx.Err()
}

func (c *fakeClock) sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.slept...)
}

func newTestLimiter(cfg Config, clock *fakeClock) *Adaptive {
	return New(cfg, WithClock(clock.now, clock.sleep))
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	require.Equal(t, DefaultInitialDelay, l.CurrentDelay())
	require.Equal(t, DefaultMinDelay, l.minDelay)
	require.Equal(t, DefaultMaxDelay, l.maxDelay)
}

func TestTenSuccessesShrinkDelay(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(Config{}, newFakeClock(true))
	for i := 0; i < 9; i++ {
		l.ReportSuccess()
	}
	require.Equal(t, 100*time.Millisecond, l.CurrentDelay())
	l.ReportSuccess()
	require.Equal(t, 90*time.Millisecond, l.CurrentDelay())

	for i := 0; i < 9; i++ {
		l.ReportSuccess()
	}
	require.Equal(t, 90*time.Millisecond, l.CurrentDelay(), "streak restarts after each decrease")
}

func TestSuccessFloorsAtMin(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(Config{InitialDelay: 10 * time.Millisecond, MinDelay: 10 * time.Millisecond}, newFakeClock(true))
	for i := 0; i < 50; i++ {
		l.ReportSuccess()
	}
	require.Equal(t, 10*time.Millisecond, l.CurrentDelay())
}

func TestErrorFactors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   time.Duration
	}{
		{http.StatusTooManyRequests, 300 * time.Millisecond},
		{http.StatusForbidden, 200 * time.Millisecond},
		{http.StatusServiceUnavailable, 200 * time.Millisecond},
		{http.StatusInternalServerError, 150 * time.Millisecond},
		{0, 150 * time.Millisecond},
	}
	for _, tc := range cases {
		l := newTestLimiter(Config{}, newFakeClock(true))
		l.ReportError(context.Background(), tc.status)
		require.Equal(t, tc.want, l.CurrentDelay(), "status %d", tc.status)
	}
}

func TestErrorClampsAtMax(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(Config{InitialDelay: 4 * time.Second}, newFakeClock(true))
	l.ReportError(context.Background(), http.StatusTooManyRequests)
	require.Equal(t, DefaultMaxDelay, l.CurrentDelay())
}

func TestThirdConsecutiveErrorPauses(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(true)
	l := newTestLimiter(Config{}, clock)
	ctx := context.Background()
	l.ReportError(ctx, http.StatusInternalServerError)
	l.ReportError(ctx, http.StatusInternalServerError)
	require.Empty(t, clock.sleeps())

	l.ReportError(ctx, http.StatusInternalServerError)
	// 100ms * 1.5^3
	require.Equal(t, 337500*time.Microsecond, l.CurrentDelay())
	require.Equal(t, []time.Duration{675 * time.Millisecond}, clock.sleeps())
}

func TestSuccessBreaksErrorStreak(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(true)
	l := newTestLimiter(Config{}, clock)
	ctx := context.Background()
	l.ReportError(ctx, 500)
	l.ReportError(ctx, 500)
	l.ReportSuccess()
	l.ReportError(ctx, 500)
	require.Empty(t, clock.sleeps())
}

func TestWaitSpacesCallers(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(true)
	l := newTestLimiter(Config{}, clock)
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))
	require.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond}, clock.sleeps())
}

func TestWaitReservesDistinctSlots(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(false)
	l := newTestLimiter(Config{}, clock)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Wait(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got := clock.sleeps()
	slices.Sort(got)
	require.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
		400 * time.Millisecond,
	}, got)
}

func TestWaitHonorsBreakerPause(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(false)
	l := newTestLimiter(Config{}, clock)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		l.ReportError(ctx, 500)
	}
	require.NoError(t, l.Wait(ctx))
	got := clock.sleeps()
	require.Equal(t, []time.Duration{675 * time.Millisecond, 675 * time.Millisecond}, got)
}

func TestWaitCanceled(t *testing.T) {
	t.Parallel()

	l := New(Config{InitialDelay: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Wait(ctx))
	cancel()
	require.ErrorIs(t, l.Wait(ctx), context.Canceled)
}

func TestCeilingHonorsContext(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(Config{MaxRPS: 1}, newFakeClock(true))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, l.Wait(ctx), context.Canceled)
}

func TestResetRestoresInitialState(t *testing.T) {
	t.Parallel()

	clock := newFakeClock(true)
	l := newTestLimiter(Config{}, clock)
	ctx := context.Background()
	l.ReportError(ctx, http.StatusTooManyRequests)
	l.ReportError(ctx, http.StatusTooManyRequests)
	l.Reset()
	require.Equal(t, DefaultInitialDelay, l.CurrentDelay())

	l.ReportError(ctx, 500)
	require.Empty(t, clock.sleeps(), "reset clears the error streak")
}

func TestDelayStaysInBounds(t *testing.T) {
	t.Parallel()

	l := newTestLimiter(Config{InitialDelay: 50 * time.Millisecond, MinDelay: 20 * time.Millisecond, MaxDelay: time.Second}, newFakeClock(true))
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		switch i % 7 {
		case 0, 3:
			l.ReportError(ctx, http.StatusTooManyRequests)
		default:
			for j := 0; j < 12; j++ {
				l.ReportSuccess()
			}
		}
		d := l.CurrentDelay()
		require.GreaterOrEqual(t, d, 20*time.Millisecond)
		require.LessOrEqual(t, d, time.Second)
	}
}
