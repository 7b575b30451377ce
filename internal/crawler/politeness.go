package crawler

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// TimerPauser implements Pauser with a timer.
type TimerPauser struct{}

// Pause blocks for delay or until ctx is done.
func (TimerPauser) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Jitter returns a uniform duration in [0, limit).
func Jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
