package extract

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/JakeFAU/vk-harvester/internal/crawler"
)

var (
	tagRE        = regexp.MustCompile(`<[^>]+>`)
	brRE         = regexp.MustCompile(`(?i)<\s*br\s*/?\s*>`)
	hspaceRE     = regexp.MustCompile(`[ \t\r\f\v\x{00a0}]+`)
	manyBreaksRE = regexp.MustCompile(`\n{3,}`)

	// Go regexp has no lookbehind; wordBefore filters matches instead.
	hashtagRE  = regexp.MustCompile(`#([\p{L}\p{N}_]{2,})`)
	mentionRE  = regexp.MustCompile(`@([A-Za-z0-9_.]{2,})`)
	plainURLRE = regexp.MustCompile(`https?://[^\s)]+`)

	imgSrcRE    = regexp.MustCompile(`(?i)<img[^>]+src="(https?://[^"]+)"`)
	videoHrefRE = regexp.MustCompile(`(?i)<a[^>]+href="(/video[-\d_]+)"`)
	outlinkRE   = regexp.MustCompile(`(?i)<a[^>]+href="(https?://[^"]+)"[^>]*rel="[^"]*\bnofollow\b[^"]*"`)

	countRE    = regexp.MustCompile(`^(\d+(?:\.\d+)?)([kKmM]?)$`)
	nonDigitRE = regexp.MustCompile(`\D+`)
)

// CleanText strips markup from an HTML fragment while keeping line breaks.
func CleanText(fragment string) string {
	s := brRE.ReplaceAllString(fragment, "\n")
	s = tagRE.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = hspaceRE.ReplaceAllString(s, " ")
	s = manyBreaksRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// ParseCount reads counters such as "1 234", "1,234", "1.2K" and "3M".
func ParseCount(raw string) int64 {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0
	}
	s = strings.NewReplacer(" ", "", ",", "", "\u00a0", "").Replace(s)
	m := countRE.FindStringSubmatch(s)
	if m == nil {
		digits := nonDigitRE.ReplaceAllString(s, "")
		n, err := strconv.ParseInt(digits, 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	val, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	switch strings.ToLower(m[2]) {
	case "k":
		val *= 1_000
	case "m":
		val *= 1_000_000
	}
	return int64(math.Trunc(val))
}

// Features scans cleaned text for hashtags, mentions and bare URLs.
func Features(text string) crawler.TextFeatures {
	return crawler.TextFeatures{
		Hashtags: standaloneMatches(hashtagRE, text),
		Mentions: standaloneMatches(mentionRE, text),
		URLs:     plainURLRE.FindAllString(text, -1),
	}
}

// standaloneMatches returns group 1 of every match not glued to a preceding
// word character.
func standaloneMatches(re *regexp.Regexp, text string) []string {
	var out []string
	for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
		if wordBefore(text, loc[0]) {
			continue
		}
		out = append(out, text[loc[2]:loc[3]])
	}
	return out
}

func wordBefore(text string, at int) bool {
	if at == 0 {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(text[:at])
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Attachments lists images, internal video links and nofollow outbound links.
func Attachments(body string) crawler.Attachments {
	return crawler.Attachments{
		Images:   submatches(imgSrcRE, body),
		Videos:   submatches(videoHrefRE, body),
		Outlinks: submatches(outlinkRE, body),
	}
}

func submatches(re *regexp.Regexp, s string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		out = append(out, m[1])
	}
	return out
}
