// Package crawler defines core types shared across subsystems.
package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// PostKey identifies a wall post.
type PostKey struct {
	OwnerID int64 `json:"owner_id"`
	PostID  int64 `json:"post_id"`
}

func (k PostKey) String() string {
	return fmt.Sprintf("%d_%d", k.OwnerID, k.PostID)
}

// CommentKey identifies a comment under a post.
type CommentKey struct {
	OwnerID   int64 `json:"owner_id"`
	PostID    int64 `json:"post_id"`
	CommentID int64 `json:"comment_id"`
}

// Counters holds engagement numbers shown under a post.
type Counters struct {
	Likes    int64 `json:"likes"`
	Reposts  int64 `json:"reposts"`
	Comments int64 `json:"comments"`
	Views    int64 `json:"views"`
}

// Flags holds post state markers. CommentsClosed is nil when the page did
// not say either way.
type Flags struct {
	Pinned         bool  `json:"pinned"`
	CommentsClosed *bool `json:"comments_closed,omitempty"`
}

// Attachments lists media and outbound links found in an item body.
type Attachments struct {
	Images   []string `json:"images,omitempty"`
	Videos   []string `json:"videos,omitempty"`
	Outlinks []string `json:"outlinks,omitempty"`
}

// TextFeatures lists tokens pulled from cleaned item text.
type TextFeatures struct {
	Hashtags []string `json:"hashtags,omitempty"`
	Mentions []string `json:"mentions,omitempty"`
	URLs     []string `json:"urls,omitempty"`
}

// Post is one wall post as seen on a group feed.
type Post struct {
	OwnerID     int64        `json:"owner_id"`
	PostID      int64        `json:"post_id"`
	URL         string       `json:"url"`
	DateText    string       `json:"date_text"`
	Timestamp   int64        `json:"timestamp"`
	Text        string       `json:"text"`
	Counters    Counters     `json:"counters"`
	Flags       Flags        `json:"flags"`
	Attachments Attachments  `json:"attachments"`
	Features    TextFeatures `json:"features"`
	CollectedAt time.Time    `json:"collected_at"`
}

// Key returns the post identity.
func (p Post) Key() PostKey { return PostKey{OwnerID: p.OwnerID, PostID: p.PostID} }

// Comment is one comment or thread reply under a post.
type Comment struct {
	OwnerID     int64        `json:"owner_id"`
	PostID      int64        `json:"post_id"`
	CommentID   int64        `json:"comment_id"`
	FromID      *int64       `json:"from_id,omitempty"`
	AuthorName  string       `json:"author_name"`
	AuthorHref  string       `json:"author_href"`
	Text        string       `json:"text"`
	DateText    string       `json:"date_text"`
	Timestamp   int64        `json:"timestamp"`
	Likes       int64        `json:"likes"`
	ReplyTo     *int64       `json:"reply_to_comment_id,omitempty"`
	Attachments Attachments  `json:"attachments"`
	Features    TextFeatures `json:"features"`
	CollectedAt time.Time    `json:"collected_at"`
}

// Key returns the comment identity.
func (c Comment) Key() CommentKey {
	return CommentKey{OwnerID: c.OwnerID, PostID: c.PostID, CommentID: c.CommentID}
}

// IsReply reports whether the comment carries a reply target.
func (c Comment) IsReply() bool {
	return c.ReplyTo != nil
}

// ThreadRef points at a collapsed reply thread and the offset its next page
// starts from.
type ThreadRef struct {
	ThreadID int64
	Offset   int
}

// Stage names a pipeline stage.
type Stage string

// Pipeline stages, run strictly in this order.
const (
	StagePosts    Stage = "posts"
	StageComments Stage = "comments"
	StageProfiles Stage = "profiles"
)

// CrawlTask is a unit of work handed to a stage worker. Exactly one target
// field is set, matching Stage.
type CrawlTask struct {
	Stage  Stage
	Group  string
	Post   PostKey
	UserID int64
}

// Target renders the task key for logs and metrics.
func (t CrawlTask) Target() string {
	switch t.Stage {
	case StagePosts:
		return t.Group
	case StageComments:
		return t.Post.String()
	case StageProfiles:
		return fmt.Sprintf("id%d", t.UserID)
	default:
		return ""
	}
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	Method  string
	URL     string
	Query   url.Values
	Form    url.Values
	Headers http.Header
}

// FullURL joins URL and Query.
func (r FetchRequest) FullURL() string {
	if len(r.Query) == 0 {
		return r.URL
	}
	return r.URL + "?" + r.Query.Encode()
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Attempts   int
}

// ErrNeedsAlternatePath marks pages that plain HTTP cannot get past, such as
// challenge interstitials or unexpected statuses.
var ErrNeedsAlternatePath = errors.New("needs alternate path")

// FetchErrorKind classifies terminal fetch failures.
type FetchErrorKind string

// Fetch failure kinds.
const (
	FetchExhausted FetchErrorKind = "exhausted"
	FetchPermanent FetchErrorKind = "permanent"
	FetchChallenge FetchErrorKind = "challenge"
)

// FetchError reports a fetch that did not produce a usable page.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s after %d attempt(s)", e.URL, e.Kind, e.Attempts)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is lets permanent and challenge failures match ErrNeedsAlternatePath.
func (e *FetchError) Is(target error) bool {
	return target == ErrNeedsAlternatePath && (e.Kind == FetchPermanent || e.Kind == FetchChallenge)
}
