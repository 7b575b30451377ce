// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends accepted by storage.backend.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Target    TargetConfig    `mapstructure:"target"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Session   SessionConfig   `mapstructure:"session"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Server    ServerConfig    `mapstructure:"server"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// TargetConfig names what to harvest.
type TargetConfig struct {
	Groups  []string `mapstructure:"groups"`
	BaseURL string   `mapstructure:"base_url"`
}

// CrawlConfig bounds each pagination crawl.
type CrawlConfig struct {
	PageSize           int    `mapstructure:"page_size"`
	MaxPosts           int    `mapstructure:"max_posts"`
	MaxCommentsPerPost int    `mapstructure:"max_comments_per_post"`
	RequestSleepMs     int    `mapstructure:"request_sleep_ms"`
	JitterMs           int    `mapstructure:"jitter_ms"`
	Timezone           string `mapstructure:"timezone"`
}

// PipelineConfig governs the stage worker pools.
type PipelineConfig struct {
	Workers     int  `mapstructure:"workers"`
	FastMode    bool `mapstructure:"fast_mode"`
	FastWorkers int  `mapstructure:"fast_workers"`
	FromStorage bool `mapstructure:"from_storage"`
}

// SessionConfig toggles identity rotation.
type SessionConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	PoolSize int  `mapstructure:"pool_size"`
}

// RateLimitConfig bounds the adaptive pacing delay.
type RateLimitConfig struct {
	InitialDelayMs int     `mapstructure:"initial_delay_ms"`
	MinDelayMs     int     `mapstructure:"min_delay_ms"`
	MaxDelayMs     int     `mapstructure:"max_delay_ms"`
	MaxRPS         float64 `mapstructure:"max_rps"`
}

// HTTPConfig configures HTTP client retry behavior.
type HTTPConfig struct {
	TimeoutSeconds         int `mapstructure:"timeout_seconds"`
	MaxAttempts            int `mapstructure:"max_attempts"`
	BackoffInitialMs       int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs           int `mapstructure:"backoff_max_ms"`
	BackoffJitterMs        int `mapstructure:"backoff_jitter_ms"`
	ChallengeBodyThreshold int `mapstructure:"challenge_body_threshold"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ProgressConfig toggles progress event fan-out.
type ProgressConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	BufferSize int  `mapstructure:"buffer_size"`
}

// LoggingConfig toggles zap development features and file rotation.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Target.Groups = splitGroups(cfg.Target.Groups)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("target.groups", []string{})
	v.SetDefault("target.base_url", "https://m.vk.com")
	v.SetDefault("crawl.page_size", 10)
	v.SetDefault("crawl.max_posts", 100)
	v.SetDefault("crawl.max_comments_per_post", 300)
	v.SetDefault("crawl.request_sleep_ms", 100)
	v.SetDefault("crawl.jitter_ms", 50)
	v.SetDefault("crawl.timezone", "Europe/Moscow")
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.fast_mode", false)
	v.SetDefault("pipeline.fast_workers", 12)
	v.SetDefault("pipeline.from_storage", false)
	v.SetDefault("session.enabled", true)
	v.SetDefault("session.pool_size", 15)
	v.SetDefault("ratelimit.initial_delay_ms", 100)
	v.SetDefault("ratelimit.min_delay_ms", 10)
	v.SetDefault("ratelimit.max_delay_ms", 5000)
	v.SetDefault("ratelimit.max_rps", 0)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_attempts", 4)
	v.SetDefault("http.backoff_initial_ms", 800)
	v.SetDefault("http.backoff_max_ms", 30000)
	v.SetDefault("http.backoff_jitter_ms", 250)
	v.SetDefault("http.challenge_body_threshold", 2048)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.sqlite_path", "vk.sqlite")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 14)
}

// splitGroups accepts both YAML lists and comma separated env values.
func splitGroups(in []string) []string {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		for _, part := range strings.Split(raw, ",") {
			if slug := strings.TrimSpace(part); slug != "" {
				out = append(out, slug)
			}
		}
	}
	return out
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Target.BaseURL == "" {
		return fmt.Errorf("target.base_url must be set")
	}
	if c.Crawl.PageSize <= 0 {
		return fmt.Errorf("crawl.page_size must be > 0")
	}
	if c.Crawl.MaxPosts <= 0 {
		return fmt.Errorf("crawl.max_posts must be > 0")
	}
	if c.Crawl.MaxCommentsPerPost <= 0 {
		return fmt.Errorf("crawl.max_comments_per_post must be > 0")
	}
	if c.Crawl.RequestSleepMs < 0 || c.Crawl.JitterMs < 0 {
		return fmt.Errorf("crawl sleep and jitter must be >= 0")
	}
	if _, err := time.LoadLocation(c.Crawl.Timezone); err != nil {
		return fmt.Errorf("crawl.timezone: %w", err)
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if c.Session.Enabled && c.Session.PoolSize <= 0 {
		return fmt.Errorf("session.pool_size must be > 0 when sessions are enabled")
	}
	if c.RateLimit.MinDelayMs < 0 || c.RateLimit.MaxDelayMs < c.RateLimit.MinDelayMs {
		return fmt.Errorf("ratelimit delays must satisfy 0 <= min <= max")
	}
	if c.RateLimit.MaxRPS < 0 {
		return fmt.Errorf("ratelimit.max_rps must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxAttempts <= 0 {
		return fmt.Errorf("http.max_attempts must be > 0")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path must be set for the sqlite backend")
		}
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// ApplyFastMode raises worker counts and removes pacing jitter when fast mode is on.
func (c *Config) ApplyFastMode() {
	if !c.Pipeline.FastMode {
		return
	}
	if c.Pipeline.FastWorkers > c.Pipeline.Workers {
		c.Pipeline.Workers = c.Pipeline.FastWorkers
	}
	c.Crawl.JitterMs = 0
	c.Crawl.RequestSleepMs = 20
	c.HTTP.TimeoutSeconds = 10
}

// Location resolves the configured timezone. Validate has already vetted it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Crawl.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RequestTimeout converts http.timeout_seconds into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// Politeness returns the base pause and jitter applied between page fetches.
func (c Config) Politeness() (time.Duration, time.Duration) {
	return time.Duration(c.Crawl.RequestSleepMs) * time.Millisecond,
		time.Duration(c.Crawl.JitterMs) * time.Millisecond
}
