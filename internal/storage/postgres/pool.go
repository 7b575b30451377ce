// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of *pgxpool.Pool the stores use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PoolConfig controls the Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS posts (
	owner_id        BIGINT  NOT NULL,
	post_id         BIGINT  NOT NULL,
	url             TEXT    NOT NULL DEFAULT '',
	date_text       TEXT    NOT NULL DEFAULT '',
	ts              BIGINT  NOT NULL DEFAULT 0,
	text            TEXT    NOT NULL DEFAULT '',
	likes           BIGINT  NOT NULL DEFAULT 0,
	reposts         BIGINT  NOT NULL DEFAULT 0,
	comments        BIGINT  NOT NULL DEFAULT 0,
	views           BIGINT  NOT NULL DEFAULT 0,
	pinned          BOOLEAN NOT NULL DEFAULT FALSE,
	comments_closed BOOLEAN,
	attachments     JSONB   NOT NULL DEFAULT '{}',
	hashtags        JSONB   NOT NULL DEFAULT '[]',
	mentions        JSONB   NOT NULL DEFAULT '[]',
	urls            JSONB   NOT NULL DEFAULT '[]',
	collected_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (owner_id, post_id)
);
CREATE TABLE IF NOT EXISTS comments (
	owner_id     BIGINT NOT NULL,
	post_id      BIGINT NOT NULL,
	comment_id   BIGINT NOT NULL,
	from_id      BIGINT,
	author_name  TEXT   NOT NULL DEFAULT '',
	author_href  TEXT   NOT NULL DEFAULT '',
	text         TEXT   NOT NULL DEFAULT '',
	date_text    TEXT   NOT NULL DEFAULT '',
	ts           BIGINT NOT NULL DEFAULT 0,
	likes        BIGINT NOT NULL DEFAULT 0,
	reply_to     BIGINT,
	attachments  JSONB  NOT NULL DEFAULT '{}',
	hashtags     JSONB  NOT NULL DEFAULT '[]',
	mentions     JSONB  NOT NULL DEFAULT '[]',
	urls         JSONB  NOT NULL DEFAULT '[]',
	collected_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (owner_id, post_id, comment_id)
);
CREATE INDEX IF NOT EXISTS comments_from_id ON comments (from_id);
CREATE TABLE IF NOT EXISTS profiles (
	user_id      BIGINT PRIMARY KEY,
	screen_name  TEXT  NOT NULL DEFAULT '',
	first_name   TEXT  NOT NULL DEFAULT '',
	last_name    TEXT  NOT NULL DEFAULT '',
	data         JSONB NOT NULL,
	collected_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS profile_counters (
	user_id BIGINT NOT NULL,
	name    TEXT   NOT NULL,
	value   BIGINT NOT NULL,
	PRIMARY KEY (user_id, name)
);
CREATE TABLE IF NOT EXISTS profile_items (
	user_id  BIGINT  NOT NULL,
	kind     TEXT    NOT NULL,
	position INTEGER NOT NULL,
	payload  JSONB   NOT NULL,
	PRIMARY KEY (user_id, kind, position)
);
CREATE TABLE IF NOT EXISTS runs (
	id            UUID PRIMARY KEY,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	error_message TEXT
);
CREATE TABLE IF NOT EXISTS run_stages (
	run_id      UUID   NOT NULL,
	stage       TEXT   NOT NULL,
	tasks       BIGINT NOT NULL DEFAULT 0,
	failures    BIGINT NOT NULL DEFAULT 0,
	items       BIGINT NOT NULL DEFAULT 0,
	last_update TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, stage)
);
`

// Migrate creates missing tables.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}
