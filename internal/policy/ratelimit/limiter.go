// Package ratelimit implements the shared adaptive pacing used before every
// outbound request.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/vk-harvester/internal/telemetry"
)

// Defaults applied when a Config field is zero.
const (
	DefaultInitialDelay = 100 * time.Millisecond
	DefaultMinDelay     = 10 * time.Millisecond
	DefaultMaxDelay     = 5 * time.Second
)

const (
	successWindow   = 10
	successFactor   = 0.9
	breakerStreak   = 3
	breakerMultiple = 2
)

// Config holds limiter configuration.
type Config struct {
	InitialDelay time.Duration
	MinDelay     time.Duration
	MaxDelay     time.Duration
	// MaxRPS is a hard ceiling applied after adaptive pacing; 0 disables it.
	MaxRPS float64
}

// Adaptive spaces requests by a delay that shrinks on sustained success and
// grows on errors. One instance is shared by every worker of a run.
type Adaptive struct {
	mu          sync.Mutex
	initial     time.Duration
	minDelay    time.Duration
	maxDelay    time.Duration
	delay       time.Duration
	successes   int
	errors      int
	last        time.Time
	pausedUntil time.Time

	ceiling *rate.Limiter
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
	logger  *zap.Logger
}

// Option customizes an Adaptive limiter.
type Option func(*Adaptive)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Adaptive) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock replaces the time source and the sleeper (useful for testing).
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(a *Adaptive) {
		if now != nil {
			a.now = now
		}
		if sleep != nil {
			a.sleep = sleep
		}
	}
}

// New creates an Adaptive limiter.
func New(cfg Config, opts ...Option) *Adaptive {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = DefaultMinDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	initial := min(max(cfg.InitialDelay, cfg.MinDelay), cfg.MaxDelay)
	a := &Adaptive{
		initial:  initial,
		minDelay: cfg.MinDelay,
		maxDelay: cfg.MaxDelay,
		delay:    initial,
		now:      time.Now,
		sleep:    sleepContext,
		logger:   zap.NewNop(),
	}
	if cfg.MaxRPS > 0 {
		a.ceiling = rate.NewLimiter(rate.Limit(cfg.MaxRPS), 1)
	}
	for _, opt := range opts {
		opt(a)
	}
	telemetry.SetRateLimitDelay(initial)
	return a
}

// Wait blocks until the current delay has passed since the previous slot
// handed out to any caller, or until ctx ends.
func (a *Adaptive) Wait(ctx context.Context) error {
	a.mu.Lock()
	now := a.now()
	slot := a.last.Add(a.delay)
	if slot.Before(now) {
		slot = now
	}
	if slot.Before(a.pausedUntil) {
		slot = a.pausedUntil
	}
	a.last = slot
	a.mu.Unlock()

	wait := slot.Sub(now)
	if wait > 0 {
		if err := a.sleep(ctx, wait); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
	if a.ceiling != nil {
		if err := a.ceiling.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit ceiling: %w", err)
		}
	}
	telemetry.ObserveRateLimitWait(wait)
	return nil
}

// ReportSuccess records a successful request.
func (a *Adaptive) ReportSuccess() {
	a.mu.Lock()
	a.successes++
	a.errors = 0
	if a.successes < successWindow {
		a.mu.Unlock()
		return
	}
	old := a.delay
	a.delay = max(a.minDelay, time.Duration(float64(a.delay)*successFactor))
	a.successes = 0
	current := a.delay
	a.mu.Unlock()

	telemetry.SetRateLimitDelay(current)
	if old != current {
		a.logger.Info("rate limit decreased",
			zap.Duration("from", old),
			zap.Duration("to", current),
		)
	}
}

// ReportError records a failed request. status is the HTTP status, or 0 for
// a transport error. After three consecutive errors it also pauses for twice
// the new delay, and concurrent Wait callers are held back until the pause
// ends.
func (a *Adaptive) ReportError(ctx context.Context, status int) {
	a.mu.Lock()
	a.successes = 0
	a.errors++
	old := a.delay
	a.delay = min(a.maxDelay, time.Duration(float64(a.delay)*errorFactor(status)))
	current := a.delay
	var pause time.Duration
	if a.errors >= breakerStreak {
		pause = breakerMultiple * current
		if until := a.now().Add(pause); until.After(a.pausedUntil) {
			a.pausedUntil = until
		}
	}
	streak := a.errors
	a.mu.Unlock()

	telemetry.SetRateLimitDelay(current)
	a.logger.Warn("rate limit increased",
		zap.Int("status", status),
		zap.Duration("from", old),
		zap.Duration("to", current),
		zap.Int("error_streak", streak),
	)
	if pause > 0 {
		telemetry.ObserveCircuitBreak()
		a.logger.Warn("error streak, pausing", zap.Duration("pause", pause))
		_ = a.sleep(ctx, pause)
	}
}

func errorFactor(status int) float64 {
	switch status {
	case http.StatusTooManyRequests:
		return 3.0
	case http.StatusForbidden, http.StatusServiceUnavailable:
		return 2.0
	default:
		return 1.5
	}
}

// CurrentDelay returns the current pacing delay.
func (a *Adaptive) CurrentDelay() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.delay
}

// Reset restores the initial delay and clears both streaks.
func (a *Adaptive) Reset() {
	a.mu.Lock()
	a.delay = a.initial
	a.successes = 0
	a.errors = 0
	a.pausedUntil = time.Time{}
	a.mu.Unlock()
	telemetry.SetRateLimitDelay(a.initial)
	a.logger.Info("rate limiter reset", zap.Duration("delay", a.initial))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
