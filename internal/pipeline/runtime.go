package pipeline

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/vk-harvester/internal/clock/system"
	"github.com/JakeFAU/vk-harvester/internal/config"
	"github.com/JakeFAU/vk-harvester/internal/crawler"
	"github.com/JakeFAU/vk-harvester/internal/dates"
	"github.com/JakeFAU/vk-harvester/internal/extract"
	collyfetcher "github.com/JakeFAU/vk-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/vk-harvester/internal/headless/detector"
	"github.com/JakeFAU/vk-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/vk-harvester/internal/session"
)

// Runtime holds the components shared by every stage of a run: one limiter,
// one identity source and the fetcher and harvester built on them.
type Runtime struct {
	Limiter   *ratelimit.Adaptive
	Pool      *session.Pool
	Fetcher   *collyfetcher.Fetcher
	Extractor *extract.Extractor
	Harvester *crawler.Harvester
	baseURL   string
	static    *session.Identity
	logger    *zap.Logger
}

// NewRuntime builds the shared runtime from cfg. With sessions disabled the
// shared fetcher is pinned to one static identity; TaskHarvester hands each
// task its own.
func NewRuntime(cfg config.Config, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }

	limiter := ratelimit.New(ratelimit.Config{
		InitialDelay: ms(cfg.RateLimit.InitialDelayMs),
		MinDelay:     ms(cfg.RateLimit.MinDelayMs),
		MaxDelay:     ms(cfg.RateLimit.MaxDelayMs),
		MaxRPS:       cfg.RateLimit.MaxRPS,
	}, ratelimit.WithLogger(logger.Named("ratelimit")))

	rt := &Runtime{Limiter: limiter, baseURL: cfg.Target.BaseURL, logger: logger}
	var identities collyfetcher.IdentitySource
	if cfg.Session.Enabled {
		pool, err := session.NewPool(session.Options{
			Size:    cfg.Session.PoolSize,
			BaseURL: cfg.Target.BaseURL,
			Logger:  logger.Named("session"),
		})
		if err != nil {
			return nil, fmt.Errorf("build session pool: %w", err)
		}
		rt.Pool = pool
		identities = pool
	} else {
		static, err := session.NewIdentity(cfg.Target.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("build identity: %w", err)
		}
		rt.static = static
	}

	rt.Fetcher = collyfetcher.New(collyfetcher.Config{
		Timeout:       cfg.RequestTimeout(),
		MaxAttempts:   cfg.HTTP.MaxAttempts,
		BackoffBase:   ms(cfg.HTTP.BackoffInitialMs),
		BackoffMax:    ms(cfg.HTTP.BackoffMaxMs),
		BackoffJitter: ms(cfg.HTTP.BackoffJitterMs),
	}, limiter, identities, detector.NewChallenge(cfg.HTTP.ChallengeBodyThreshold),
		collyfetcher.WithLogger(logger.Named("fetcher")),
	)
	if rt.static != nil {
		rt.Fetcher = rt.Fetcher.WithIdentity(rt.static)
	}

	clock := system.New().In(cfg.Location())
	rt.Extractor = extract.New(
		cfg.Target.BaseURL,
		dates.NewNormalizer(cfg.Location(), clock),
		clock,
		logger.Named("extract"),
	)
	sleep, jitter := cfg.Politeness()
	rt.Harvester = crawler.NewHarvester(crawler.HarvesterConfig{
		BaseURL:  cfg.Target.BaseURL,
		PageSize: cfg.Crawl.PageSize,
		Sleep:    sleep,
		Jitter:   jitter,
	}, rt.Fetcher, rt.Extractor, nil, logger)
	return rt, nil
}

// TaskHarvester returns the harvester one task should use and a release
// func to call when the task ends. With the pool enabled every task shares
// the rotating pool. Without it each task gets a fresh one-off identity so
// cookies persist across the task's pages, closed on release.
func (r *Runtime) TaskHarvester() (Harvester, func(), error) {
	if r.Pool != nil {
		return r.Harvester, func() {}, nil
	}
	id, err := session.NewIdentity(r.baseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("build task identity: %w", err)
	}
	return r.Harvester.WithFetcher(r.Fetcher.WithIdentity(id)), id.Close, nil
}

// Close releases pooled connections.
func (r *Runtime) Close() {
	if r.Pool != nil {
		r.Pool.CloseAll()
	}
	r.static.Close()
	r.logger.Debug("runtime closed", zap.Duration("final_delay", r.Limiter.CurrentDelay()))
}
