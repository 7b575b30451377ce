package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/vk-harvester/internal/crawler"
	"github.com/JakeFAU/vk-harvester/internal/storage"
	"github.com/JakeFAU/vk-harvester/internal/store"
)

const (
	upsertPost = `INSERT INTO posts (` + storage.PostColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (owner_id, post_id) DO UPDATE SET
	url = COALESCE(NULLIF(EXCLUDED.url, ''), posts.url),
	date_text = COALESCE(NULLIF(EXCLUDED.date_text, ''), posts.date_text),
	ts = COALESCE(NULLIF(EXCLUDED.ts, 0), posts.ts),
	text = EXCLUDED.text,
	likes = EXCLUDED.likes,
	reposts = EXCLUDED.reposts,
	comments = EXCLUDED.comments,
	views = EXCLUDED.views,
	pinned = EXCLUDED.pinned,
	comments_closed = COALESCE(EXCLUDED.comments_closed, posts.comments_closed),
	attachments = EXCLUDED.attachments,
	hashtags = EXCLUDED.hashtags,
	mentions = EXCLUDED.mentions,
	urls = EXCLUDED.urls,
	collected_at = EXCLUDED.collected_at;`

	upsertComment = `INSERT INTO comments (` + storage.CommentColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (owner_id, post_id, comment_id) DO UPDATE SET
	from_id = COALESCE(EXCLUDED.from_id, comments.from_id),
	author_name = COALESCE(NULLIF(EXCLUDED.author_name, ''), comments.author_name),
	author_href = COALESCE(NULLIF(EXCLUDED.author_href, ''), comments.author_href),
	text = EXCLUDED.text,
	date_text = COALESCE(NULLIF(EXCLUDED.date_text, ''), comments.date_text),
	ts = COALESCE(NULLIF(EXCLUDED.ts, 0), comments.ts),
	likes = EXCLUDED.likes,
	reply_to = COALESCE(EXCLUDED.reply_to, comments.reply_to),
	attachments = EXCLUDED.attachments,
	hashtags = EXCLUDED.hashtags,
	mentions = EXCLUDED.mentions,
	urls = EXCLUDED.urls,
	collected_at = EXCLUDED.collected_at;`

	upsertProfile = `INSERT INTO profiles (` + storage.ProfileColumns + `)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id) DO UPDATE SET
	screen_name = EXCLUDED.screen_name,
	first_name = EXCLUDED.first_name,
	last_name = EXCLUDED.last_name,
	data = EXCLUDED.data,
	collected_at = EXCLUDED.collected_at;`

	deleteCounters = `DELETE FROM profile_counters WHERE user_id = $1;`
	insertCounter  = `INSERT INTO profile_counters (user_id, name, value) VALUES ($1, $2, $3);`
	deleteItems    = `DELETE FROM profile_items WHERE user_id = $1;`
	insertItem     = `INSERT INTO profile_items (user_id, kind, position, payload) VALUES ($1, $2, $3, $4);`

	selectPostsWithoutComments = `
		SELECT p.owner_id, p.post_id
		FROM posts p
		WHERE NOT EXISTS (
			SELECT 1 FROM comments c WHERE c.owner_id = p.owner_id AND c.post_id = p.post_id
		)
		ORDER BY p.ts DESC, p.post_id;
	`

	selectCommentersWithoutProfile = `
		SELECT DISTINCT c.from_id
		FROM comments c
		WHERE c.from_id IS NOT NULL AND c.from_id > 0
		AND NOT EXISTS (SELECT 1 FROM profiles pr WHERE pr.user_id = c.from_id)
		ORDER BY c.from_id;
	`
)

// EntityStore implements store.Sink using Postgres.
type EntityStore struct {
	db     DB
	logger *zap.Logger
}

var _ store.Sink = (*EntityStore)(nil)

// NewEntityStore wraps a pool (or a pgxmock pool in tests).
func NewEntityStore(db DB, logger *zap.Logger) *EntityStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntityStore{db: db, logger: logger}
}

// Close closes the underlying connection pool.
func (s *EntityStore) Close() error {
	s.db.Close()
	return nil
}

func (s *EntityStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.logger.Warn("postgres rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// UpsertPosts stores posts in one transaction.
func (s *EntityStore) UpsertPosts(ctx context.Context, posts ...crawler.Post) error {
	if len(posts) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, p := range posts {
			args, err := storage.PostArgs(p)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, upsertPost, args...); err != nil {
				return fmt.Errorf("upsert post %s: %w", p.Key(), err)
			}
		}
		return nil
	})
}

// UpsertComments stores comments in one transaction.
func (s *EntityStore) UpsertComments(ctx context.Context, comments ...crawler.Comment) error {
	if len(comments) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, c := range comments {
			args, err := storage.CommentArgs(c)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, upsertComment, args...); err != nil {
				return fmt.Errorf("upsert comment %d: %w", c.CommentID, err)
			}
		}
		return nil
	})
}

// UpsertProfile stores the flat profile and replaces counters and items.
func (s *EntityStore) UpsertProfile(ctx context.Context, bundle crawler.ProfileBundle) error {
	uid := bundle.Profile.UserID
	args, err := storage.ProfileArgs(bundle)
	if err != nil {
		return err
	}
	items, err := bundle.Items()
	if err != nil {
		return fmt.Errorf("encode profile items: %w", err)
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertProfile, args...); err != nil {
			return fmt.Errorf("upsert profile %d: %w", uid, err)
		}
		if _, err := tx.Exec(ctx, deleteCounters, uid); err != nil {
			return fmt.Errorf("clear counters %d: %w", uid, err)
		}
		for _, name := range crawler.CounterNames {
			value, ok := bundle.Counters[name]
			if !ok {
				continue
			}
			if _, err := tx.Exec(ctx, insertCounter, uid, name, value); err != nil {
				return fmt.Errorf("insert counter %s: %w", name, err)
			}
		}
		if _, err := tx.Exec(ctx, deleteItems, uid); err != nil {
			return fmt.Errorf("clear items %d: %w", uid, err)
		}
		for _, item := range items {
			if _, err := tx.Exec(ctx, insertItem, uid, item.Kind, item.Position, string(item.Payload)); err != nil {
				return fmt.Errorf("insert %s item: %w", item.Kind, err)
			}
		}
		return nil
	})
}

// PostsWithoutComments lists stored posts with no stored comment, newest first.
func (s *EntityStore) PostsWithoutComments(ctx context.Context) ([]crawler.PostKey, error) {
	rows, err := s.db.Query(ctx, selectPostsWithoutComments)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts without comments: %w", err)
	}
	defer rows.Close()

	var keys []crawler.PostKey
	for rows.Next() {
		var k crawler.PostKey
		if err := rows.Scan(&k.OwnerID, &k.PostID); err != nil {
			return nil, fmt.Errorf("failed to scan post key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read post keys: %w", err)
	}
	return keys, nil
}

// CommentersWithoutProfile lists positive author ids lacking a profile.
func (s *EntityStore) CommentersWithoutProfile(ctx context.Context) ([]int64, error) {
	rows, err := s.db.Query(ctx, selectCommentersWithoutProfile)
	if err != nil {
		return nil, fmt.Errorf("failed to list commenters without profile: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read user ids: %w", err)
	}
	return ids, nil
}
