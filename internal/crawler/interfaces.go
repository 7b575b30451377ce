package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor turns raw page payloads into entities.
type Extractor interface {
	Posts(payload []byte) []Post
	Comments(payload []byte, post PostKey) ([]Comment, []ThreadRef)
	Profile(payload []byte, userID int64) (ProfileBundle, error)
}

// ChallengeDetector spots interstitial pages served instead of content.
type ChallengeDetector interface {
	IsChallenge(resp FetchResponse) bool
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Pauser sleeps between requests and returns early when ctx is done.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration)
}
