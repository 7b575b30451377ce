package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ExponentialRetryPolicy decides which fetch outcomes are retried and how long
// to wait between attempts.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxJitter   time.Duration
	now         func() time.Time
}

// RetryOption customizes an ExponentialRetryPolicy.
type RetryOption func(*ExponentialRetryPolicy)

// WithRetryAttempts sets the total attempt budget, first try included.
func WithRetryAttempts(n int) RetryOption {
	return func(p *ExponentialRetryPolicy) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithRetryDelays sets the base delay, ceiling and jitter bound.
func WithRetryDelays(base, ceiling, jitter time.Duration) RetryOption {
	return func(p *ExponentialRetryPolicy) {
		if base >= 0 {
			p.baseDelay = base
		}
		if ceiling > 0 {
			p.maxDelay = ceiling
		}
		if jitter >= 0 {
			p.maxJitter = jitter
		}
	}
}

// NewExponentialRetryPolicy builds a policy with sane defaults: four attempts,
// 0.8s doubling base, up to 0.25s jitter and a 30s ceiling.
func NewExponentialRetryPolicy(opts ...RetryOption) *ExponentialRetryPolicy {
	p := &ExponentialRetryPolicy{
		maxAttempts: 4,
		baseDelay:   800 * time.Millisecond,
		maxDelay:    30 * time.Second,
		maxJitter:   250 * time.Millisecond,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxAttempts reports the attempt budget.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// RetryableStatus reports whether a response status is worth another attempt.
func RetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusForbidden,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// ShouldRetry decides whether a transport error is retryable. Per-attempt
// timeouts are retried; caller cancellation is not.
func (p *ExponentialRetryPolicy) ShouldRetry(ctx context.Context, err error, attempt int) bool {
	if err == nil || attempt >= p.maxAttempts {
		return false
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Backoff returns the wait before the attempt following attempt (1-based).
// A Retry-After header on the failed response wins over the computed delay.
func (p *ExponentialRetryPolicy) Backoff(attempt int, headers http.Header) time.Duration {
	if d, ok := p.retryAfter(headers); ok {
		return d
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay)*math.Pow(2, float64(attempt-1)) + float64(p.randomJitter(p.maxJitter))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay)
}

func (p *ExponentialRetryPolicy) retryAfter(headers http.Header) (time.Duration, bool) {
	if headers == nil {
		return 0, false
	}
	raw := strings.TrimSpace(headers.Get("Retry-After"))
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(raw); err == nil {
		d := at.Sub(p.now())
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
