// Package storage holds the row encoding shared by the relational backends.
// Backends live in subpackages: memory, sqlite and postgres.
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/vk-harvester/internal/crawler"
	"github.com/JakeFAU/vk-harvester/internal/store"
)

// PostColumns lists posts table columns in PostArgs order.
const PostColumns = "owner_id, post_id, url, date_text, ts, text, likes, reposts, comments, views, " +
	"pinned, comments_closed, attachments, hashtags, mentions, urls, collected_at"

// CommentColumns lists comments table columns in CommentArgs order.
const CommentColumns = "owner_id, post_id, comment_id, from_id, author_name, author_href, text, date_text, " +
	"ts, likes, reply_to, attachments, hashtags, mentions, urls, collected_at"

// ProfileColumns lists profiles table columns in ProfileArgs order.
const ProfileColumns = "user_id, screen_name, first_name, last_name, data, collected_at"

// PostArgs renders a post as positional arguments. Features are normalized.
func PostArgs(p crawler.Post) ([]any, error) {
	att, err := json.Marshal(p.Attachments)
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}
	tags, mentions, urls, err := featureArgs(p.Features)
	if err != nil {
		return nil, err
	}
	return []any{
		p.OwnerID, p.PostID, p.URL, p.DateText, p.Timestamp, p.Text,
		p.Counters.Likes, p.Counters.Reposts, p.Counters.Comments, p.Counters.Views,
		p.Flags.Pinned, p.Flags.CommentsClosed,
		string(att), tags, mentions, urls, collectedAt(p.CollectedAt),
	}, nil
}

// CommentArgs renders a comment as positional arguments.
func CommentArgs(c crawler.Comment) ([]any, error) {
	att, err := json.Marshal(c.Attachments)
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}
	tags, mentions, urls, err := featureArgs(c.Features)
	if err != nil {
		return nil, err
	}
	return []any{
		c.OwnerID, c.PostID, c.CommentID, c.FromID, c.AuthorName, c.AuthorHref, c.Text, c.DateText,
		c.Timestamp, c.Likes, c.ReplyTo,
		string(att), tags, mentions, urls, collectedAt(c.CollectedAt),
	}, nil
}

// ProfileArgs renders the flat profile as positional arguments.
func ProfileArgs(b crawler.ProfileBundle) ([]any, error) {
	data, err := json.Marshal(b.Profile)
	if err != nil {
		return nil, fmt.Errorf("encode profile: %w", err)
	}
	p := b.Profile
	return []any{p.UserID, p.ScreenName, p.FirstName, p.LastName, string(data), collectedAt(b.CollectedAt)}, nil
}

func featureArgs(f crawler.TextFeatures) (string, string, string, error) {
	f = store.NormalizeFeatures(f)
	out := make([]string, 0, 3)
	for _, list := range [][]string{f.Hashtags, f.Mentions, f.URLs} {
		if list == nil {
			list = []string{}
		}
		raw, err := json.Marshal(list)
		if err != nil {
			return "", "", "", fmt.Errorf("encode features: %w", err)
		}
		out = append(out, string(raw))
	}
	return out[0], out[1], out[2], nil
}

func collectedAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
