package extract

import (
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/vk-harvester/internal/crawler"
)

var (
	replyBlockRE  = regexp.MustCompile(`(?i)id="wall_reply-?(?P<owner>-?\d+)_(?P<cid>\d+)"`)
	replyAnchorRE = regexp.MustCompile(`(?i)<a[^>]+name="reply(?P<cid>\d+)"[^>]*class="ReplyItem__anchor"[^>]*>`)

	authorAnchorRE = regexp.MustCompile(`(?is)<a[^>]+class="[^"]*\bReplyItem__name\b[^"]*"[^>]*href="(/[^"]+)"[^>]*>(.*?)</a>`)
	authorHeaderRE = regexp.MustCompile(`(?is)<div class="ReplyItem__header".*?<a[^>]+href="(/[^"]+)"[^>]*>(.*?)</a>`)

	bodyStrictRE   = regexp.MustCompile(`(?is)<div class="ReplyItem__body">(.*?)</div>\s*<div class="ReplyItem__date">`)
	bodyFallbackRE = regexp.MustCompile(`(?is)<div class="ReplyItem__body">(.*?)</div>`)

	commentDateRE = regexp.MustCompile(`(?is)<a[^>]+class="item_date"[^>]+href="[^"]*?\?reply=(\d+)(?:&amp;|&)?(?:thread=(\d+))?[^"]*"[^>]*>(.*?)</a>`)
	commentLikeRE = regexp.MustCompile(`(?is)ReplyItem__like[^>]*>(?:\s*<[^>]+>)*\s*(\d+)?\s*</a>`)

	threadNextRE = regexp.MustCompile(`(?i)<a[^>]+href="(/wall-?\d+_\d+\?offset=(\d+)&(?:amp;)?reply=(\d+)[^"]*)"[^>]*class="RepliesThreadNext__link"`)

	replyToUIDRE  = regexp.MustCompile(`(?i)Replies\.replyTo\([^,]*,\s*-?\d+\s*,\s*(\d+)\s*,\s*(-?\d+)\s*\)`)
	imageStatusRE = regexp.MustCompile(`(?i)ImageStatus\.open\(\{[^}]*"user_id"\s*:\s*(\d+)`)
	idHrefRE      = regexp.MustCompile(`^/id(\d+)$`)
)

// commentInput is what a comment ladder sees: one segment plus page context.
type commentInput struct {
	seg        Segment
	authorHref string
	cid        int64
	pageUIDs   map[int64]int64
}

var commentIDLadder = Ladder[commentInput, int64]{
	{Name: "block-id", Fn: func(in commentInput) (int64, bool) {
		return intGroup(replyBlockRE.FindStringSubmatch(in.seg.HTML), 2)
	}},
	{Name: "anchor-hint", Fn: func(in commentInput) (int64, bool) {
		return in.seg.Hint, in.seg.Hint > 0
	}},
	{Name: "date-link", Fn: func(in commentInput) (int64, bool) {
		return intGroup(commentDateRE.FindStringSubmatch(in.seg.HTML), 1)
	}},
}

type author struct {
	href string
	name string
}

var authorLadder = Ladder[string, author]{
	{Name: "reply-name", Fn: authorFrom(authorAnchorRE)},
	{Name: "reply-header", Fn: authorFrom(authorHeaderRE)},
}

func authorFrom(re *regexp.Regexp) func(string) (author, bool) {
	return func(seg string) (author, bool) {
		m := re.FindStringSubmatch(seg)
		if m == nil {
			return author{}, false
		}
		return author{href: m[1], name: CleanText(m[2])}, true
	}
}

var bodyLadder = Ladder[string, string]{
	{Name: "body-before-date", Fn: groupFrom(bodyStrictRE)},
	{Name: "body", Fn: groupFrom(bodyFallbackRE)},
}

func groupFrom(re *regexp.Regexp) func(string) (string, bool) {
	return func(seg string) (string, bool) {
		m := re.FindStringSubmatch(seg)
		if m == nil {
			return "", false
		}
		return m[1], true
	}
}

var fromIDLadder = Ladder[commentInput, int64]{
	{Name: "reply-to-call", Fn: func(in commentInput) (int64, bool) {
		return intGroup(replyToUIDRE.FindStringSubmatch(in.seg.HTML), 2)
	}},
	{Name: "author-href", Fn: func(in commentInput) (int64, bool) {
		return intGroup(idHrefRE.FindStringSubmatch(in.authorHref), 1)
	}},
	{Name: "image-status", Fn: func(in commentInput) (int64, bool) {
		return intGroup(imageStatusRE.FindStringSubmatch(in.seg.HTML), 1)
	}},
	{Name: "page-index", Fn: func(in commentInput) (int64, bool) {
		uid, ok := in.pageUIDs[in.cid]
		return uid, ok
	}},
}

func intGroup(m []string, group int) (int64, bool) {
	if m == nil || group >= len(m) || m[group] == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(m[group], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Comments parses every comment on a comment page of post and reports the
// collapsed reply threads the page links to.
func (e *Extractor) Comments(payload []byte, post crawler.PostKey) ([]crawler.Comment, []crawler.ThreadRef) {
	doc := UnwrapAJAX(payload)
	pageUIDs := make(map[int64]int64)
	for _, m := range replyToUIDRE.FindAllStringSubmatch(doc, -1) {
		cid, ok1 := intGroup(m, 1)
		uid, ok2 := intGroup(m, 2)
		if ok1 && ok2 {
			pageUIDs[cid] = uid
		}
	}

	segments := Segments(doc, replyBlockRE, replyAnchorRE)
	out := make([]crawler.Comment, 0, len(segments))
	seen := make(map[int64]struct{}, len(segments))
	dropped := 0
	for _, seg := range segments {
		c, ok := e.parseComment(commentInput{seg: seg, pageUIDs: pageUIDs}, post)
		if !ok {
			dropped++
			continue
		}
		if _, dup := seen[c.CommentID]; dup {
			continue
		}
		seen[c.CommentID] = struct{}{}
		out = append(out, c)
	}
	threads := Threads(doc)
	e.logger.Debug("comments parsed",
		zap.Stringer("post", post),
		zap.Int("segments", len(segments)),
		zap.Int("comments", len(out)),
		zap.Int("dropped", dropped),
		zap.Int("threads", len(threads)),
	)
	return out, threads
}

func (e *Extractor) parseComment(in commentInput, post crawler.PostKey) (crawler.Comment, bool) {
	cid, ok := commentIDLadder.Value(in)
	if !ok || cid == 0 {
		return crawler.Comment{}, false
	}
	in.cid = cid
	c := crawler.Comment{
		OwnerID:     post.OwnerID,
		PostID:      post.PostID,
		CommentID:   cid,
		CollectedAt: e.now(),
	}
	seg := in.seg.HTML

	if a, ok := authorLadder.Value(seg); ok {
		c.AuthorHref = a.href
		c.AuthorName = a.name
		in.authorHref = a.href
	}
	if uid, ok := fromIDLadder.Value(in); ok {
		c.FromID = &uid
	}

	body, _ := bodyLadder.Value(seg)
	c.Text = CleanText(body)
	c.Attachments = Attachments(body)
	c.Features = Features(c.Text)

	if m := commentDateRE.FindStringSubmatch(seg); m != nil {
		c.DateText = CleanText(m[3])
		c.Timestamp = e.dates.Normalize(c.DateText)
		if root, ok := intGroup(m, 2); ok {
			c.ReplyTo = &root
		}
	}
	if m := commentLikeRE.FindStringSubmatch(seg); m != nil {
		c.Likes = ParseCount(m[1])
	}
	return c, true
}

// Threads lists the "show more replies" links on a page.
func Threads(doc string) []crawler.ThreadRef {
	var refs []crawler.ThreadRef
	for _, m := range threadNextRE.FindAllStringSubmatch(doc, -1) {
		id, ok := intGroup(m, 3)
		if !ok {
			continue
		}
		offset, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		refs = append(refs, crawler.ThreadRef{ThreadID: id, Offset: offset})
	}
	return refs
}
