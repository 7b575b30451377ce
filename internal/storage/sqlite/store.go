// Package sqlite persists harvested entities into a single-file SQLite
// database through the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"
	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/vk-harvester/internal/crawler"
	"github.com/JakeFAU/vk-harvester/internal/storage"
	"github.com/JakeFAU/vk-harvester/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS posts (
	owner_id        INTEGER NOT NULL,
	post_id         INTEGER NOT NULL,
	url             TEXT    NOT NULL DEFAULT '',
	date_text       TEXT    NOT NULL DEFAULT '',
	ts              INTEGER NOT NULL DEFAULT 0,
	text            TEXT    NOT NULL DEFAULT '',
	likes           INTEGER NOT NULL DEFAULT 0,
	reposts         INTEGER NOT NULL DEFAULT 0,
	comments        INTEGER NOT NULL DEFAULT 0,
	views           INTEGER NOT NULL DEFAULT 0,
	pinned          INTEGER NOT NULL DEFAULT 0,
	comments_closed INTEGER,
	attachments     TEXT    NOT NULL DEFAULT '{}',
	hashtags        TEXT    NOT NULL DEFAULT '[]',
	mentions        TEXT    NOT NULL DEFAULT '[]',
	urls            TEXT    NOT NULL DEFAULT '[]',
	collected_at    TIMESTAMP NOT NULL,
	PRIMARY KEY (owner_id, post_id)
);
CREATE TABLE IF NOT EXISTS comments (
	owner_id     INTEGER NOT NULL,
	post_id      INTEGER NOT NULL,
	comment_id   INTEGER NOT NULL,
	from_id      INTEGER,
	author_name  TEXT    NOT NULL DEFAULT '',
	author_href  TEXT    NOT NULL DEFAULT '',
	text         TEXT    NOT NULL DEFAULT '',
	date_text    TEXT    NOT NULL DEFAULT '',
	ts           INTEGER NOT NULL DEFAULT 0,
	likes        INTEGER NOT NULL DEFAULT 0,
	reply_to     INTEGER,
	attachments  TEXT    NOT NULL DEFAULT '{}',
	hashtags     TEXT    NOT NULL DEFAULT '[]',
	mentions     TEXT    NOT NULL DEFAULT '[]',
	urls         TEXT    NOT NULL DEFAULT '[]',
	collected_at TIMESTAMP NOT NULL,
	PRIMARY KEY (owner_id, post_id, comment_id)
);
CREATE INDEX IF NOT EXISTS comments_from_id ON comments (from_id);
CREATE TABLE IF NOT EXISTS profiles (
	user_id      INTEGER PRIMARY KEY,
	screen_name  TEXT NOT NULL DEFAULT '',
	first_name   TEXT NOT NULL DEFAULT '',
	last_name    TEXT NOT NULL DEFAULT '',
	data         TEXT NOT NULL,
	collected_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS profile_counters (
	user_id INTEGER NOT NULL,
	name    TEXT    NOT NULL,
	value   INTEGER NOT NULL,
	PRIMARY KEY (user_id, name)
);
CREATE TABLE IF NOT EXISTS profile_items (
	user_id  INTEGER NOT NULL,
	kind     TEXT    NOT NULL,
	position INTEGER NOT NULL,
	payload  TEXT    NOT NULL,
	PRIMARY KEY (user_id, kind, position)
);
`

const (
	upsertPost = `INSERT INTO posts (` + storage.PostColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (owner_id, post_id) DO UPDATE SET
	url = CASE WHEN excluded.url = '' THEN posts.url ELSE excluded.url END,
	date_text = CASE WHEN excluded.date_text = '' THEN posts.date_text ELSE excluded.date_text END,
	ts = CASE WHEN excluded.ts = 0 THEN posts.ts ELSE excluded.ts END,
	text = excluded.text,
	likes = excluded.likes,
	reposts = excluded.reposts,
	comments = excluded.comments,
	views = excluded.views,
	pinned = excluded.pinned,
	comments_closed = COALESCE(excluded.comments_closed, posts.comments_closed),
	attachments = excluded.attachments,
	hashtags = excluded.hashtags,
	mentions = excluded.mentions,
	urls = excluded.urls,
	collected_at = excluded.collected_at`

	upsertComment = `INSERT INTO comments (` + storage.CommentColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (owner_id, post_id, comment_id) DO UPDATE SET
	from_id = COALESCE(excluded.from_id, comments.from_id),
	author_name = CASE WHEN excluded.author_name = '' THEN comments.author_name ELSE excluded.author_name END,
	author_href = CASE WHEN excluded.author_href = '' THEN comments.author_href ELSE excluded.author_href END,
	text = excluded.text,
	date_text = CASE WHEN excluded.date_text = '' THEN comments.date_text ELSE excluded.date_text END,
	ts = CASE WHEN excluded.ts = 0 THEN comments.ts ELSE excluded.ts END,
	likes = excluded.likes,
	reply_to = COALESCE(excluded.reply_to, comments.reply_to),
	attachments = excluded.attachments,
	hashtags = excluded.hashtags,
	mentions = excluded.mentions,
	urls = excluded.urls,
	collected_at = excluded.collected_at`

	upsertProfile = `INSERT INTO profiles (` + storage.ProfileColumns + `)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
	screen_name = excluded.screen_name,
	first_name = excluded.first_name,
	last_name = excluded.last_name,
	data = excluded.data,
	collected_at = excluded.collected_at`

	deleteCounters = `DELETE FROM profile_counters WHERE user_id = ?`
	insertCounter  = `INSERT INTO profile_counters (user_id, name, value) VALUES (?, ?, ?)`
	deleteItems    = `DELETE FROM profile_items WHERE user_id = ?`
	insertItem     = `INSERT INTO profile_items (user_id, kind, position, payload) VALUES (?, ?, ?, ?)`

	selectPostsWithoutComments = `SELECT p.owner_id, p.post_id FROM posts p
WHERE NOT EXISTS (SELECT 1 FROM comments c WHERE c.owner_id = p.owner_id AND c.post_id = p.post_id)
ORDER BY p.ts DESC, p.post_id`

	selectCommentersWithoutProfile = `SELECT DISTINCT c.from_id FROM comments c
WHERE c.from_id IS NOT NULL AND c.from_id > 0
AND NOT EXISTS (SELECT 1 FROM profiles pr WHERE pr.user_id = c.from_id)
ORDER BY c.from_id`
)

// Store implements store.Sink on SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ store.Sink = (*Store)(nil)

// Open opens (creating when missing) the database at path and applies the
// schema. ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; also keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)
	s := NewWithDB(db, logger)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle without touching the schema.
func NewWithDB(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Migrate creates missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// inTx runs fn in a transaction, rolling back on any error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("sqlite rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// UpsertPosts stores posts in one transaction.
func (s *Store) UpsertPosts(ctx context.Context, posts ...crawler.Post) error {
	if len(posts) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, p := range posts {
			args, err := storage.PostArgs(p)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, upsertPost, args...); err != nil {
				return fmt.Errorf("upsert post %s: %w", p.Key(), err)
			}
		}
		return nil
	})
}

// UpsertComments stores comments in one transaction.
func (s *Store) UpsertComments(ctx context.Context, comments ...crawler.Comment) error {
	if len(comments) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, c := range comments {
			args, err := storage.CommentArgs(c)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, upsertComment, args...); err != nil {
				return fmt.Errorf("upsert comment %d: %w", c.CommentID, err)
			}
		}
		return nil
	})
}

// UpsertProfile stores the flat profile and replaces counters and items.
func (s *Store) UpsertProfile(ctx context.Context, bundle crawler.ProfileBundle) error {
	uid := bundle.Profile.UserID
	args, err := storage.ProfileArgs(bundle)
	if err != nil {
		return err
	}
	items, err := bundle.Items()
	if err != nil {
		return fmt.Errorf("encode profile items: %w", err)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertProfile, args...); err != nil {
			return fmt.Errorf("upsert profile %d: %w", uid, err)
		}
		if _, err := tx.ExecContext(ctx, deleteCounters, uid); err != nil {
			return fmt.Errorf("clear counters %d: %w", uid, err)
		}
		for _, name := range crawler.CounterNames {
			value, ok := bundle.Counters[name]
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, insertCounter, uid, name, value); err != nil {
				return fmt.Errorf("insert counter %s: %w", name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, deleteItems, uid); err != nil {
			return fmt.Errorf("clear items %d: %w", uid, err)
		}
		for _, item := range items {
			if _, err := tx.ExecContext(ctx, insertItem, uid, item.Kind, item.Position, string(item.Payload)); err != nil {
				return fmt.Errorf("insert %s item: %w", item.Kind, err)
			}
		}
		return nil
	})
}

// PostsWithoutComments lists stored posts with no stored comment, newest first.
func (s *Store) PostsWithoutComments(ctx context.Context) ([]crawler.PostKey, error) {
	rows, err := s.db.QueryContext(ctx, selectPostsWithoutComments)
	if err != nil {
		return nil, fmt.Errorf("query posts without comments: %w", err)
	}
	defer rows.Close()

	var keys []crawler.PostKey
	for rows.Next() {
		var k crawler.PostKey
		if err := rows.Scan(&k.OwnerID, &k.PostID); err != nil {
			return nil, fmt.Errorf("scan post key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate post keys: %w", err)
	}
	return keys, nil
}

// CommentersWithoutProfile lists positive author ids lacking a profile.
func (s *Store) CommentersWithoutProfile(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, selectCommentersWithoutProfile)
	if err != nil {
		return nil, fmt.Errorf("query commenters without profile: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user ids: %w", err)
	}
	return ids, nil
}
