// Package collyfetcher implements crawler.Fetcher on top of gocolly, sending
// every request under a rotating session identity and the shared limiter.
package collyfetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/vk-harvester/internal/crawler"
	"github.com/JakeFAU/vk-harvester/internal/session"
	"github.com/JakeFAU/vk-harvester/internal/telemetry"
)

// DefaultTimeout bounds a single attempt.
const DefaultTimeout = 15 * time.Second

// Config controls collector and retry behavior.
type Config struct {
	Timeout       time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	BackoffJitter time.Duration
}

// Limiter is the pacing contract the fetcher reports into.
type Limiter interface {
	Wait(ctx context.Context) error
	ReportSuccess()
	ReportError(ctx context.Context, status int)
}

// IdentitySource hands out identities, usually a *session.Pool.
type IdentitySource interface {
	Acquire() *session.Identity
}

// Fetcher implements crawler.Fetcher using one Colly collector per attempt.
type Fetcher struct {
	cfg        Config
	limiter    Limiter
	identities IdentitySource
	pinned     *session.Identity
	retry      *crawler.ExponentialRetryPolicy
	detector   crawler.ChallengeDetector
	pauser     crawler.Pauser
	logger     *zap.Logger
}

var _ crawler.Fetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithPauser replaces the backoff sleeper (useful for testing).
func WithPauser(p crawler.Pauser) Option {
	return func(f *Fetcher) {
		if p != nil {
			f.pauser = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// New builds a Fetcher. detector may be nil.
func New(cfg Config, limiter Limiter, identities IdentitySource, detector crawler.ChallengeDetector, opts ...Option) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	retryOpts := []crawler.RetryOption{crawler.WithRetryAttempts(cfg.MaxAttempts)}
	if cfg.BackoffBase > 0 || cfg.BackoffMax > 0 || cfg.BackoffJitter > 0 {
		retryOpts = append(retryOpts, crawler.WithRetryDelays(cfg.BackoffBase, cfg.BackoffMax, cfg.BackoffJitter))
	}
	f := &Fetcher{
		cfg:        cfg,
		limiter:    limiter,
		identities: identities,
		retry:      crawler.NewExponentialRetryPolicy(retryOpts...),
		detector:   detector,
		pauser:     crawler.TimerPauser{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WithIdentity returns a copy that sends every request under id.
func (f *Fetcher) WithIdentity(id *session.Identity) *Fetcher {
	clone := *f
	clone.pinned = id
	return &clone
}

func (f *Fetcher) identity() *session.Identity {
	if f.pinned != nil {
		return f.pinned
	}
	if f.identities != nil {
		return f.identities.Acquire()
	}
	return nil
}

// Fetch issues one logical request, retrying transient failures.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if request.Method == "" {
		request.Method = http.MethodGet
	}
	target := request.FullURL()
	id := f.identity()
	start := time.Now()
	maxAttempts := f.retry.MaxAttempts()

	var (
		lastStatus int
		lastErr    error
		attempts   int
	)
retry:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if err := f.limiter.Wait(ctx); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", target, err)
		}
		resp, err := f.once(ctx, id, request)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", target, ctxErr)
		}

		var reason string
		switch {
		case err != nil:
			lastStatus, lastErr = resp.StatusCode, err
			f.limiter.ReportError(ctx, 0)
			if !f.retry.ShouldRetry(ctx, err, attempt) {
				break retry
			}
			reason = "transport"
		case crawler.RetryableStatus(resp.StatusCode):
			lastStatus, lastErr = resp.StatusCode, nil
			f.limiter.ReportError(ctx, resp.StatusCode)
			reason = "status_" + strconv.Itoa(resp.StatusCode)
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			return f.fail(request.Method, start, &crawler.FetchError{
				Kind:       crawler.FetchPermanent,
				URL:        target,
				StatusCode: resp.StatusCode,
				Attempts:   attempt,
			})
		case f.detector != nil && f.detector.IsChallenge(resp):
			f.limiter.ReportError(ctx, http.StatusForbidden)
			return f.fail(request.Method, start, &crawler.FetchError{
				Kind:       crawler.FetchChallenge,
				URL:        target,
				StatusCode: resp.StatusCode,
				Attempts:   attempt,
			})
		default:
			f.limiter.ReportSuccess()
			resp.Attempts = attempt
			resp.Duration = time.Since(start)
			telemetry.ObserveFetch(request.Method, "ok", attempt, len(resp.Body), resp.Duration)
			return resp, nil
		}

		if attempt == maxAttempts {
			break
		}
		delay := f.retry.Backoff(attempt, resp.Headers)
		telemetry.ObserveRetry(reason)
		f.logger.Debug("retrying fetch",
			zap.String("url", target),
			zap.Int("attempt", attempt),
			zap.String("reason", reason),
			zap.Duration("backoff", delay),
			zap.Error(lastErr),
		)
		f.pauser.Pause(ctx, delay)
	}
	return f.fail(request.Method, start, &crawler.FetchError{
		Kind:       crawler.FetchExhausted,
		URL:        target,
		StatusCode: lastStatus,
		Attempts:   attempts,
		Err:        lastErr,
	})
}

func (f *Fetcher) fail(method string, start time.Time, fe *crawler.FetchError) (crawler.FetchResponse, error) {
	telemetry.ObserveFetch(method, string(fe.Kind), fe.Attempts, 0, time.Since(start))
	f.logger.Warn("fetch failed",
		zap.String("url", fe.URL),
		zap.String("kind", string(fe.Kind)),
		zap.Int("status", fe.StatusCode),
		zap.Int("attempts", fe.Attempts),
	)
	return crawler.FetchResponse{}, fe
}

// once performs a single attempt with a fresh collector.
func (f *Fetcher) once(
	ctx context.Context,
	id *session.Identity,
	request crawler.FetchRequest,
) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(id)
	f.configureCollectorHooks(collector, start, &result, &fetchErr)
	err := f.runCollector(ctx, collector, request, requestHeaders(id, request), &fetchErr)
	return result, err
}

func (f *Fetcher) buildCollector(id *session.Identity) *colly.Collector {
	collector := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	if id != nil {
		collector.UserAgent = id.Headers.Get("User-Agent")
		collector.WithTransport(id.Transport)
		collector.SetCookieJar(id.Jar)
	}
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		*fetchErr = err
		if r != nil {
			result.StatusCode = r.StatusCode
			if r.Headers != nil {
				result.Headers = r.Headers.Clone()
			}
		}
	})
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	request crawler.FetchRequest,
	hdr http.Header,
	fetchErr *error,
) error {
	var body io.Reader
	if request.Method != http.MethodGet && len(request.Form) > 0 {
		body = strings.NewReader(request.Form.Encode())
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Request(request.Method, request.FullURL(), body, nil, hdr)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly request failed: %w", err)
		}
		return nil
	}
}

func requestHeaders(id *session.Identity, request crawler.FetchRequest) http.Header {
	hdr := http.Header{}
	if id != nil {
		for key, values := range id.Headers {
			hdr[key] = append([]string(nil), values...)
		}
	}
	for key, values := range request.Headers {
		hdr.Del(key)
		for _, v := range values {
			hdr.Add(key, v)
		}
	}
	if request.Method != http.MethodGet && len(request.Form) > 0 {
		hdr.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return hdr
}
