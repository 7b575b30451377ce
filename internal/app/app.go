// Package app assembles the long-lived services of one harvester process:
// entity storage, run bookkeeping, the progress hub and the optional API
// server. It is built once at startup and closed on shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/vk-harvester/internal/api"
	"github.com/JakeFAU/vk-harvester/internal/config"
	"github.com/JakeFAU/vk-harvester/internal/progress"
	"github.com/JakeFAU/vk-harvester/internal/progress/sinks"
	"github.com/JakeFAU/vk-harvester/internal/storage/memory"
	"github.com/JakeFAU/vk-harvester/internal/storage/postgres"
	"github.com/JakeFAU/vk-harvester/internal/storage/sqlite"
	"github.com/JakeFAU/vk-harvester/internal/store"
)

const (
	readHeaderTimeout = 5 * time.Second
	pgConnLifetime    = 30 * time.Minute
)

// App holds the shared services of a harvester process.
type App struct {
	logger   *zap.Logger
	sink     store.Sink
	runs     store.RunRepository
	hub      *progress.Hub
	server   *http.Server
	listener net.Listener
	serveErr chan error
}

// Option customizes New.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
}

// WithRegisterer registers progress collectors on reg instead of the default
// registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New opens storage for cfg.Storage.Backend and wires the progress hub and
// API server on top of it. It fails fast if any backend cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	sink, runs, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &App{logger: logger, sink: sink, runs: runs}

	if cfg.Progress.Enabled {
		promSink, err := sinks.NewPrometheusSink(o.registerer)
		if err != nil {
			_ = sink.Close()
			return nil, fmt.Errorf("init progress metrics: %w", err)
		}
		a.hub = progress.NewHub(progress.Config{
			BufferSize: cfg.Progress.BufferSize,
			Logger:     logger.Named("progress"),
		},
			sinks.NewLogSink(logger.Named("progress")),
			promSink,
			sinks.NewStoreSink(runs, logger.Named("progress")),
		)
	}

	if cfg.Server.Enabled {
		a.server = &http.Server{
			Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Server.Port)),
			Handler:           api.NewServer(runs, logger.Named("api")).Handler(),
			ReadHeaderTimeout: readHeaderTimeout,
		}
	}

	logger.Info("application services initialized",
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("progress", a.hub != nil),
		zap.Bool("server", a.server != nil),
	)
	return a, nil
}

func openStorage(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Sink, store.RunRepository, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory, "":
		logger.Info("using in-memory storage; results are discarded on exit")
		return memory.NewEntityStore(), memory.NewRunStore(), nil
	case config.BackendSQLite:
		db, err := sqlite.Open(ctx, cfg.Storage.SQLitePath, logger.Named("sqlite"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize sqlite: %w", err)
		}
		logger.Info("using sqlite storage", zap.String("path", cfg.Storage.SQLitePath))
		return db, memory.NewRunStore(), nil
	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, postgres.PoolConfig{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: pgConnLifetime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize postgres: %w", err)
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to migrate postgres: %w", err)
		}
		logger.Info("using postgres storage")
		return postgres.NewEntityStore(pool, logger.Named("postgres")), postgres.NewRunStore(pool), nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
}

// Sink returns the entity store harvested data is written to.
func (a *App) Sink() store.Sink {
	return a.sink
}

// Runs returns the run bookkeeping repository.
func (a *App) Runs() store.RunRepository {
	return a.runs
}

// Emitter returns the progress hub, or nil when progress is disabled.
func (a *App) Emitter() progress.Emitter {
	if a.hub == nil {
		return nil
	}
	return a.hub
}

// Start binds the API listener and serves in the background. It is a no-op
// when the server is disabled.
func (a *App) Start() error {
	if a.server == nil {
		return nil
	}
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.server.Addr, err)
	}
	a.listener = ln
	a.serveErr = make(chan error, 1)
	a.logger.Info("api server listening", zap.String("addr", ln.Addr().String()))
	go func() {
		err := a.server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		a.serveErr <- err
	}()
	return nil
}

// Addr reports the bound API address, or "" before Start.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Close stops the server, drains the progress hub into its sinks and closes
// storage, in that order.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	var errs []error
	if a.server != nil && a.listener != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown api server: %w", err))
		}
		if err := <-a.serveErr; err != nil {
			errs = append(errs, fmt.Errorf("api server: %w", err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
		if dropped := a.hub.Dropped(); dropped > 0 {
			a.logger.Warn("progress events dropped", zap.Int64("count", dropped))
		}
	}
	if err := a.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}
