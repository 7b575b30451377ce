package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/vk-harvester/internal/app"
	"github.com/JakeFAU/vk-harvester/internal/config"
	"github.com/JakeFAU/vk-harvester/internal/crawler"
	"github.com/JakeFAU/vk-harvester/internal/progress"
	"github.com/JakeFAU/vk-harvester/internal/store"
)

func baseConfig() config.Config {
	var cfg config.Config
	cfg.Storage.Backend = config.BackendMemory
	return cfg
}

func TestNewMemoryWithoutExtras(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), baseConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, a.Sink())
	require.NotNil(t, a.Runs())
	require.Nil(t, a.Emitter())
	require.NoError(t, a.Start())
	require.Empty(t, a.Addr())
	require.NoError(t, a.Close(context.Background()))
}

func TestProgressReachesRunRepository(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Progress.Enabled = true
	cfg.Server.Enabled = true
	cfg.Server.Port = 0
	a, err := app.New(context.Background(), cfg, zaptest.NewLogger(t), app.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	require.NoError(t, a.Start())
	require.NotEmpty(t, a.Addr())

	runID := uuid.New()
	now := time.Now()
	emit := a.Emitter()
	require.NotNil(t, emit)
	emit.Emit(progress.Event{RunID: runID, TS: now, Kind: progress.KindRunStart})
	emit.Emit(progress.Event{RunID: runID, TS: now, Kind: progress.KindTaskDone, Stage: "posts", Target: "club1", Items: 12, Dur: time.Second})
	emit.Emit(progress.Event{RunID: runID, TS: now, Kind: progress.KindStageDone, Stage: "posts", Items: 12})
	emit.Emit(progress.Event{RunID: runID, TS: now.Add(time.Second), Kind: progress.KindRunDone})

	require.Eventually(t, func() bool {
		run, err := a.Runs().GetRun(context.Background(), runID)
		return err == nil && run.Status == store.RunSuccess
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get("http://" + a.Addr() + "/v1/runs/" + runID.String() + "/stages")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Stages []struct {
			Stage string `json:"stage"`
			Tasks int64  `json:"tasks"`
			Items int64  `json:"items"`
		} `json:"stages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Stages, 1)
	require.Equal(t, "posts", body.Stages[0].Stage)
	require.Equal(t, int64(1), body.Stages[0].Tasks)
	require.Equal(t, int64(12), body.Stages[0].Items)

	require.NoError(t, a.Close(context.Background()))
	_, err = http.Get("http://" + a.Addr() + "/healthz")
	require.Error(t, err, "server stops on close")
}

func TestSQLiteBackendPersists(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Storage.Backend = config.BackendSQLite
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "vk.sqlite")
	ctx := context.Background()

	a, err := app.New(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, a.Sink().UpsertPosts(ctx, crawler.Post{OwnerID: -1, PostID: 7, Text: "hello"}))
	require.NoError(t, a.Close(ctx))

	reopened, err := app.New(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { require.NoError(t, reopened.Close(ctx)) }()
	keys, err := reopened.Sink().PostsWithoutComments(ctx)
	require.NoError(t, err)
	require.Equal(t, []crawler.PostKey{{OwnerID: -1, PostID: 7}}, keys)
}

func TestNewConfigErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "unknown backend",
			mutate:  func(c *config.Config) { c.Storage.Backend = "dynamo" },
			wantErr: "unknown storage backend: dynamo",
		},
		{
			name: "sqlite without path",
			mutate: func(c *config.Config) {
				c.Storage.Backend = config.BackendSQLite
				c.Storage.SQLitePath = " "
			},
			wantErr: "failed to initialize sqlite",
		},
		{
			name: "postgres without dsn",
			mutate: func(c *config.Config) {
				c.Storage.Backend = config.BackendPostgres
			},
			wantErr: "failed to initialize postgres",
		},
		{
			name: "postgres with malformed dsn",
			mutate: func(c *config.Config) {
				c.Storage.Backend = config.BackendPostgres
				c.DB.DSN = "postgres://localhost:notaport/vk"
			},
			wantErr: "failed to initialize postgres",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			tc.mutate(&cfg)
			_, err := app.New(context.Background(), cfg, zaptest.NewLogger(t))
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestDuplicateRegistererFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	cfg := baseConfig()
	cfg.Progress.Enabled = true
	first, err := app.New(context.Background(), cfg, nil, app.WithRegisterer(reg))
	require.NoError(t, err)
	defer func() { require.NoError(t, first.Close(context.Background())) }()

	_, err = app.New(context.Background(), cfg, nil, app.WithRegisterer(reg))
	require.ErrorContains(t, err, "init progress metrics")
}
