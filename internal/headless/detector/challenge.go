// Package detector recognizes interstitial bot-check pages served in place of
// real content.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/vk-harvester/internal/crawler"
)

// DefaultSmallBody is the size under which a script-dominated page counts as
// a challenge.
const DefaultSmallBody = 2048

var textMarkers = []string{
	"checking your browser",
	"just a moment",
}

var challengeSelectors = []string{
	"form#challenge-form",
	"#cf-challenge-running",
	"#challenge-stage",
	".cf-browser-verification",
	"div.g-recaptcha",
}

// Challenge implements crawler.ChallengeDetector.
type Challenge struct {
	SmallBody int
}

var _ crawler.ChallengeDetector = (*Challenge)(nil)

// NewChallenge creates a detector. threshold 0 means DefaultSmallBody.
func NewChallenge(threshold int) *Challenge {
	if threshold <= 0 {
		threshold = DefaultSmallBody
	}
	return &Challenge{SmallBody: threshold}
}

// IsChallenge reports whether a 2xx response is actually a bot check.
func (c *Challenge) IsChallenge(resp crawler.FetchResponse) bool {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return false
	}
	lower := strings.ToLower(string(body))
	for _, marker := range textMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	if strings.Contains(lower, "cloudflare") && strings.Contains(lower, "checking") {
		return true
	}
	if len(body) < c.SmallBody && scriptDensityHigh(lower) {
		return true
	}
	return hasChallengeMarkup(body)
}

func hasChallengeMarkup(body []byte) bool {
	if !bytes.Contains(body, []byte("<")) {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	for _, sel := range challengeSelectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	return strings.HasPrefix(title, "attention required") || title == "access denied"
}

// scriptDensityHigh reports whether script elements cover at least a quarter
// of the (lowercased) document.
func scriptDensityHigh(lower string) bool {
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage*100/total >= 25
}
