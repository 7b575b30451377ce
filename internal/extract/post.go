package extract

import (
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/JakeFAU/vk-harvester/internal/crawler"
)

var (
	postHeaderRE = regexp.MustCompile(`(?i)<div[^>]+class="[^"]*\bPostHeader__contentWrapper\b[^"]*"[^>]*>`)
	postIDAttrRE = regexp.MustCompile(`data-post-id="(-?\d+)_(\d+)"`)
	postDateRE   = regexp.MustCompile(`(?is)<a[^>]+href="(/wall-[-\d_]+)"[^>]*class="[^"]*PostHeaderTime[^"]*"[^>]*>(.*?)</a>`)
	wallHrefRE   = regexp.MustCompile(`/wall(-?\d+)_(\d+)`)
	wiBodyRE     = regexp.MustCompile(`(?i)<div[^>]+class="[^"]*\bwi_body\b[^"]*"[^>]*>`)
	piTextRE     = regexp.MustCompile(`(?is)<div[^>]+class="[^"]*\bpi_text\b[^"]*"[^>]*>(.*?)</div>`)
	wallTextRE   = regexp.MustCompile(`(?is)<div[^>]+class="[^"]*\bwall_post_text\b[^"]*"[^>]*>(.*?)</div>`)
	moreLinkRE   = regexp.MustCompile(`(?is)<a[^>]+class="[^"]*\bPostTextMore\b[^"]*"[^>]*>.*?</a>`)
	hiddenSpanRE = regexp.MustCompile(`(?is)<span[^>]+style="[^"]*display\s*:\s*none[^"]*"[^>]*>(.*?)</span>`)

	likesRE       = regexp.MustCompile(`(?i)PostBottomButtonReaction__label"[^>]*>([^<]+)<`)
	repliesAttrRE = regexp.MustCompile(`(?i)data-replies-count="([\d\s,.KkMm]+)"`)
	sharesRE      = regexp.MustCompile(`(?is)<a[^>]+href="/like\?act=publish[^"]*"[^>]*>.*?PostBottomButton__label"[^>]*>([\d\s,.KkMm]+)<`)
	viewsRE       = regexp.MustCompile(`(?i)Socials__viewsCount"[^>]*>([^<]+)<`)
	legacyViewsRE = regexp.MustCompile(`(?is)item_views[^>]*>(?:\s*<[^>]+>)*\s*([\d\s,.KkMm]+)<`)

	dataExecRE       = regexp.MustCompile(`(?i)PostContextMenuReactMVK__root"[^>]+data-exec="(\{.+?\})"`)
	commentsClosedRE = regexp.MustCompile(`(?i)"isCommentsClosed"\s*:\s*(true|false)`)
	pinnedRE         = regexp.MustCompile(`(?i)visually-hidden[^>]*>[^<]*post pinned`)
)

var postKeyLadder = Ladder[string, crawler.PostKey]{
	{Name: "data-post-id", Fn: func(seg string) (crawler.PostKey, bool) {
		return postKeyFrom(postIDAttrRE.FindStringSubmatch(seg))
	}},
	{Name: "date-link", Fn: func(seg string) (crawler.PostKey, bool) {
		m := postDateRE.FindStringSubmatch(seg)
		if m == nil {
			return crawler.PostKey{}, false
		}
		return postKeyFrom(wallHrefRE.FindStringSubmatch(m[1]))
	}},
}

func postKeyFrom(m []string) (crawler.PostKey, bool) {
	if m == nil {
		return crawler.PostKey{}, false
	}
	owner, err1 := strconv.ParseInt(m[1], 10, 64)
	post, err2 := strconv.ParseInt(m[2], 10, 64)
	if err1 != nil || err2 != nil || post == 0 {
		return crawler.PostKey{}, false
	}
	return crawler.PostKey{OwnerID: owner, PostID: post}, true
}

var postTextLadder = Ladder[string, string]{
	{Name: "pi_text", Fn: func(body string) (string, bool) {
		m := piTextRE.FindStringSubmatch(body)
		if m == nil {
			return "", false
		}
		inner := m[1]
		var hidden []string
		for _, hm := range hiddenSpanRE.FindAllStringSubmatch(inner, -1) {
			hidden = append(hidden, hm[1])
		}
		inner = hiddenSpanRE.ReplaceAllString(inner, "")
		inner = moreLinkRE.ReplaceAllString(inner, "")
		if len(hidden) > 0 {
			inner += "\n\n" + strings.Join(hidden, "\n\n")
		}
		return CleanText(inner), true
	}},
	{Name: "wall_post_text", Fn: func(body string) (string, bool) {
		m := wallTextRE.FindStringSubmatch(body)
		if m == nil {
			return "", false
		}
		return CleanText(m[1]), true
	}},
}

var viewsLadder = Ladder[string, int64]{
	{Name: "socials", Fn: countFrom(viewsRE)},
	{Name: "item_views", Fn: countFrom(legacyViewsRE)},
}

func countFrom(re *regexp.Regexp) func(string) (int64, bool) {
	return func(seg string) (int64, bool) {
		m := re.FindStringSubmatch(seg)
		if m == nil {
			return 0, false
		}
		return ParseCount(m[1]), true
	}
}

func firstCount(re *regexp.Regexp, seg string) int64 {
	n, _ := countFrom(re)(seg)
	return n
}

// Posts parses every post on a feed page.
func (e *Extractor) Posts(payload []byte) []crawler.Post {
	doc := UnwrapAJAX(payload)
	segments := Segments(doc, postHeaderRE, nil)
	seen := make(map[crawler.PostKey]struct{}, len(segments))
	out := make([]crawler.Post, 0, len(segments))
	dropped := 0
	for _, seg := range segments {
		post, ok := e.parsePost(seg.HTML)
		if !ok {
			dropped++
			continue
		}
		if _, dup := seen[post.Key()]; dup {
			continue
		}
		seen[post.Key()] = struct{}{}
		out = append(out, post)
	}
	e.logger.Debug("posts parsed",
		zap.Int("segments", len(segments)),
		zap.Int("posts", len(out)),
		zap.Int("dropped", dropped),
		zap.Int("bytes", len(doc)),
	)
	return out
}

func (e *Extractor) parsePost(seg string) (crawler.Post, bool) {
	key, ok := postKeyLadder.Value(seg)
	if !ok {
		return crawler.Post{}, false
	}
	post := crawler.Post{OwnerID: key.OwnerID, PostID: key.PostID, CollectedAt: e.now()}

	if m := postDateRE.FindStringSubmatch(seg); m != nil {
		post.URL = e.absolute(m[1])
		post.DateText = CleanText(m[2])
		post.Timestamp = e.dates.Normalize(post.DateText)
	}

	body := ""
	if loc := wiBodyRE.FindStringIndex(seg); loc != nil {
		body = seg[loc[0]:]
	}
	if text, ok := postTextLadder.Value(body); ok {
		post.Text = text
	}
	post.Counters = crawler.Counters{
		Likes:    firstCount(likesRE, seg),
		Comments: firstCount(repliesAttrRE, seg),
		Reposts:  firstCount(sharesRE, seg),
	}
	post.Counters.Views, _ = viewsLadder.Value(seg)
	post.Flags = postFlags(seg)
	post.Attachments = Attachments(body)
	post.Features = Features(post.Text)
	return post, true
}

func postFlags(seg string) crawler.Flags {
	flags := crawler.Flags{Pinned: pinnedRE.MatchString(seg)}
	if m := dataExecRE.FindStringSubmatch(seg); m != nil {
		raw := html.UnescapeString(m[1])
		if cm := commentsClosedRE.FindStringSubmatch(raw); cm != nil {
			closed := strings.EqualFold(cm[1], "true")
			flags.CommentsClosed = &closed
		}
	}
	return flags
}

func (e *Extractor) absolute(href string) string {
	if strings.HasPrefix(href, "/") {
		return e.baseURL + href
	}
	return href
}
