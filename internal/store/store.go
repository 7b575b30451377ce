package store

import (
	"context"
	"errors"
	"strings"

	"github.com/JakeFAU/vk-harvester/internal/crawler"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Sink persists harvested entities. Every upsert is idempotent on the
// entity's natural key and runs in a single transaction.
type Sink interface {
	// UpsertPosts stores posts keyed by (owner_id, post_id). An empty url or
	// date_text, a zero timestamp and an unknown comments_closed keep the
	// stored value.
	UpsertPosts(ctx context.Context, posts ...crawler.Post) error
	// UpsertComments stores comments keyed by (owner_id, post_id, comment_id).
	// A missing from_id or reply_to keeps the stored value.
	UpsertComments(ctx context.Context, comments ...crawler.Comment) error
	// UpsertProfile stores the flat profile and replaces every child
	// collection of the user.
	UpsertProfile(ctx context.Context, bundle crawler.ProfileBundle) error
	// PostsWithoutComments lists stored posts with no stored comment.
	PostsWithoutComments(ctx context.Context) ([]crawler.PostKey, error)
	// CommentersWithoutProfile lists positive from_ids of stored comments
	// with no stored profile, ascending.
	CommentersWithoutProfile(ctx context.Context) ([]int64, error)
	Close() error
}

// NormalizeFeatures lowercases and dedupes hashtags and dedupes mentions and
// urls, keeping first-seen order.
func NormalizeFeatures(f crawler.TextFeatures) crawler.TextFeatures {
	tags := make([]string, 0, len(f.Hashtags))
	for _, tag := range f.Hashtags {
		tags = append(tags, strings.ToLower(tag))
	}
	return crawler.TextFeatures{
		Hashtags: dedupe(tags),
		Mentions: dedupe(f.Mentions),
		URLs:     dedupe(f.URLs),
	}
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// MergeStoredPost applies the upsert preservation rules to a post already in
// storage. Backends without SQL conflict clauses use it directly.
func MergeStoredPost(stored, update crawler.Post) crawler.Post {
	merged := update
	if update.URL == "" {
		merged.URL = stored.URL
	}
	if update.DateText == "" {
		merged.DateText = stored.DateText
	}
	if update.Timestamp == 0 {
		merged.Timestamp = stored.Timestamp
	}
	if update.Flags.CommentsClosed == nil {
		merged.Flags.CommentsClosed = stored.Flags.CommentsClosed
	}
	return merged
}

// MergeStoredComment is MergeStoredPost for comments.
func MergeStoredComment(stored, update crawler.Comment) crawler.Comment {
	merged := update
	if update.DateText == "" {
		merged.DateText = stored.DateText
	}
	if update.Timestamp == 0 {
		merged.Timestamp = stored.Timestamp
	}
	if update.FromID == nil {
		merged.FromID = stored.FromID
	}
	if update.ReplyTo == nil {
		merged.ReplyTo = stored.ReplyTo
	}
	return merged
}
