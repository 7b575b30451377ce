package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
target:
  groups: ["habr", "tproger"]
crawl:
  max_posts: 20
  max_comments_per_post: 50
  jitter_ms: 10
pipeline:
  workers: 2
  fast_workers: 6
session:
  pool_size: 3
http:
  timeout_seconds: 45
  max_attempts: 2
storage:
  backend: sqlite
  sqlite_path: /tmp/vk.sqlite
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	require.Equal(t, []string{"habr", "tproger"}, cfg.Target.Groups)
	require.Equal(t, "https://m.vk.com", cfg.Target.BaseURL)
	require.Equal(t, 20, cfg.Crawl.MaxPosts)
	require.Equal(t, 50, cfg.Crawl.MaxCommentsPerPost)
	require.Equal(t, 10, cfg.Crawl.PageSize)
	require.Equal(t, 2, cfg.Pipeline.Workers)
	require.Equal(t, 3, cfg.Session.PoolSize)
	require.True(t, cfg.Session.Enabled)
	require.Equal(t, BackendSQLite, cfg.Storage.Backend)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, 45*time.Second, cfg.RequestTimeout())
	require.Equal(t, "Europe/Moscow", cfg.Location().String())
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 100, cfg.Crawl.MaxPosts)
	require.Equal(t, 300, cfg.Crawl.MaxCommentsPerPost)
	require.Equal(t, 4, cfg.Pipeline.Workers)
	require.Equal(t, 12, cfg.Pipeline.FastWorkers)
	require.Equal(t, 15, cfg.Session.PoolSize)
	require.Equal(t, 4, cfg.HTTP.MaxAttempts)
	require.Equal(t, 800, cfg.HTTP.BackoffInitialMs)
	require.Equal(t, BackendMemory, cfg.Storage.Backend)

	sleep, jitter := cfg.Politeness()
	require.Equal(t, 100*time.Millisecond, sleep)
	require.Equal(t, 50*time.Millisecond, jitter)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestApplyFastMode(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	cfg.ApplyFastMode()
	require.Equal(t, 4, cfg.Pipeline.Workers, "fast mode off leaves workers alone")

	cfg.Pipeline.FastMode = true
	cfg.ApplyFastMode()
	require.Equal(t, 12, cfg.Pipeline.Workers)
	require.Zero(t, cfg.Crawl.JitterMs)
	require.Equal(t, 20, cfg.Crawl.RequestSleepMs)
	require.Equal(t, 10*time.Second, cfg.RequestTimeout())

	cfg.Pipeline.Workers = 16
	cfg.ApplyFastMode()
	require.Equal(t, 16, cfg.Pipeline.Workers, "fast mode never lowers workers")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"zero page size", func(c *Config) { c.Crawl.PageSize = 0 }},
		{"bad timezone", func(c *Config) { c.Crawl.Timezone = "Mars/Olympus" }},
		{"inverted delays", func(c *Config) { c.RateLimit.MinDelayMs = 10; c.RateLimit.MaxDelayMs = 5 }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = BackendPostgres }},
		{"empty pool", func(c *Config) { c.Session.PoolSize = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestSplitGroups(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"a", "b", "c"}, splitGroups([]string{"a, b", " ", "c"}))
}
