package crawler

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HarvesterConfig tunes page pacing and caps.
type HarvesterConfig struct {
	BaseURL  string
	PageSize int
	Sleep    time.Duration
	Jitter   time.Duration
}

// Harvester binds a Fetcher and an Extractor to the post, comment and profile
// endpoints of the mobile site.
type Harvester struct {
	cfg       HarvesterConfig
	fetcher   Fetcher
	extractor Extractor
	pauser    Pauser
	logger    *zap.Logger
}

// NewHarvester wires a Harvester. A nil pauser uses timers; a nil logger
// discards output.
func NewHarvester(cfg HarvesterConfig, fetcher Fetcher, extractor Extractor, pauser Pauser, logger *zap.Logger) *Harvester {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pauser == nil {
		pauser = TimerPauser{}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Harvester{
		cfg:       cfg,
		fetcher:   fetcher,
		extractor: extractor,
		pauser:    pauser,
		logger:    logger.Named("harvester"),
	}
}

// WithFetcher returns a copy that sends requests through f.
func (h *Harvester) WithFetcher(f Fetcher) *Harvester {
	clone := *h
	clone.fetcher = f
	return &clone
}

func (h *Harvester) pager(maxItems int) *Pager {
	return &Pager{
		Fetcher:  h.fetcher,
		PageSize: h.cfg.PageSize,
		MaxItems: maxItems,
		Sleep:    h.cfg.Sleep,
		Jitter:   h.cfg.Jitter,
		Pauser:   h.pauser,
		Logger:   h.logger,
	}
}

// ajaxForm is the fixed body every paginated POST carries.
func ajaxForm() url.Values {
	return url.Values{"_ajax": {"1"}, "_pstatref": {"group"}}
}

func (h *Harvester) get(path string) FetchRequest {
	return FetchRequest{Method: http.MethodGet, URL: h.cfg.BaseURL + "/" + path}
}

func (h *Harvester) page(path string, offset int, extra url.Values) FetchRequest {
	q := url.Values{"offset": {strconv.Itoa(offset)}, "own": {"1"}}
	for k, v := range extra {
		q[k] = v
	}
	return FetchRequest{
		Method:  http.MethodPost,
		URL:     h.cfg.BaseURL + "/" + path,
		Query:   q,
		Form:    ajaxForm(),
		Headers: http.Header{"X-Requested-With": {"XMLHttpRequest"}},
	}
}

// Posts harvests up to max posts from a group wall, newest first.
func (h *Harvester) Posts(ctx context.Context, group string, max int) ([]Post, error) {
	slug := strings.Trim(group, "/ ")
	if slug == "" {
		return nil, fmt.Errorf("group slug is empty")
	}
	feed := Feed[PostKey, Post]{
		Name:  "posts:" + slug,
		First: func() FetchRequest { return h.get(slug) },
		Next:  func(offset int) FetchRequest { return h.page(slug, offset, nil) },
		Parse: func(payload []byte) Page[Post] {
			return Page[Post]{Items: h.extractor.Posts(payload)}
		},
		Key:        Post.Key,
		MinPayload: DefaultFeedMinPayload,
	}
	seen := NewSeen[PostKey, Post](MergePost)
	if err := Crawl(ctx, h.pager(max), feed, seen, nil); err != nil {
		return nil, err
	}
	posts := seen.Values()
	SortPosts(posts)
	if max > 0 && len(posts) > max {
		posts = posts[:max]
	}
	h.logger.Info("posts harvested", zap.String("group", slug), zap.Int("count", len(posts)))
	return posts, nil
}

// Comments harvests up to max comments under a post, expanding reply threads.
func (h *Harvester) Comments(ctx context.Context, key PostKey, max int) ([]Comment, error) {
	path := fmt.Sprintf("wall%d_%d", key.OwnerID, key.PostID)
	parse := func(payload []byte) Page[Comment] {
		items, threads := h.extractor.Comments(payload, key)
		return Page[Comment]{Items: items, Threads: threads}
	}
	feed := Feed[CommentKey, Comment]{
		Name:       "comments:" + key.String(),
		First:      func() FetchRequest { return h.get(path) },
		Next:       func(offset int) FetchRequest { return h.page(path, offset, nil) },
		Parse:      parse,
		Key:        Comment.Key,
		MinPayload: DefaultFeedMinPayload,
	}
	threads := func(ref ThreadRef) Feed[CommentKey, Comment] {
		reply := url.Values{"reply": {strconv.FormatInt(ref.ThreadID, 10)}}
		return Feed[CommentKey, Comment]{
			Name:       fmt.Sprintf("thread:%s:%d", key, ref.ThreadID),
			Next:       func(offset int) FetchRequest { return h.page(path, offset, reply) },
			Parse:      parse,
			Key:        Comment.Key,
			MinPayload: DefaultThreadMinPayload,
		}
	}
	seen := NewSeen[CommentKey, Comment](MergeComment)
	if err := Crawl(ctx, h.pager(max), feed, seen, threads); err != nil {
		return nil, err
	}
	comments := seen.Values()
	SortComments(comments)
	if max > 0 && len(comments) > max {
		comments = comments[:max]
	}
	h.logger.Debug("comments harvested", zap.Stringer("post", key), zap.Int("count", len(comments)))
	return comments, nil
}

// Profile fetches and parses one user profile.
func (h *Harvester) Profile(ctx context.Context, userID int64) (ProfileBundle, error) {
	if userID == 0 {
		return ProfileBundle{}, fmt.Errorf("user id is zero")
	}
	if userID < 0 {
		userID = -userID
	}
	resp, err := h.fetcher.Fetch(ctx, h.get(fmt.Sprintf("id%d", userID)))
	if err != nil {
		return ProfileBundle{}, fmt.Errorf("fetch profile %d: %w", userID, err)
	}
	bundle, err := h.extractor.Profile(resp.Body, userID)
	if err != nil {
		return ProfileBundle{}, fmt.Errorf("parse profile %d: %w", userID, err)
	}
	return bundle, nil
}

// SortPosts orders posts newest first. Unknown timestamps (0) sort last.
func SortPosts(posts []Post) {
	slices.SortStableFunc(posts, func(a, b Post) int {
		return cmp.Compare(b.Timestamp, a.Timestamp)
	})
}

// SortComments orders top-level comments before thread replies, oldest first
// within each group.
func SortComments(comments []Comment) {
	slices.SortStableFunc(comments, func(a, b Comment) int {
		ra, rb := a.IsReply(), b.IsReply()
		if ra != rb {
			if ra {
				return 1
			}
			return -1
		}
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
}

// MergePost applies a later observation of the same post. Empty strings and
// zero timestamps in the update keep the earlier value.
func MergePost(old, update Post) Post {
	merged := update
	merged.URL = firstNonEmpty(update.URL, old.URL)
	merged.DateText = firstNonEmpty(update.DateText, old.DateText)
	merged.Text = firstNonEmpty(update.Text, old.Text)
	if update.Timestamp == 0 {
		merged.Timestamp = old.Timestamp
	}
	if update.Flags.CommentsClosed == nil {
		merged.Flags.CommentsClosed = old.Flags.CommentsClosed
	}
	return merged
}

// MergeComment applies a later observation of the same comment. Resolved
// author and thread ids are never dropped.
func MergeComment(old, update Comment) Comment {
	merged := update
	merged.AuthorName = firstNonEmpty(update.AuthorName, old.AuthorName)
	merged.AuthorHref = firstNonEmpty(update.AuthorHref, old.AuthorHref)
	merged.Text = firstNonEmpty(update.Text, old.Text)
	merged.DateText = firstNonEmpty(update.DateText, old.DateText)
	if update.Timestamp == 0 {
		merged.Timestamp = old.Timestamp
	}
	if update.FromID == nil {
		merged.FromID = old.FromID
	}
	if update.ReplyTo == nil {
		merged.ReplyTo = old.ReplyTo
	}
	return merged
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
