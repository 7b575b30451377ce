package crawler

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Short-payload thresholds below which a page is treated as the end of a feed.
const (
	DefaultFeedMinPayload   = 50
	DefaultThreadMinPayload = 30
	DefaultPageSize         = 10
)

// Seen is an insertion-ordered dedup map owned by one crawl run.
type Seen[K comparable, T any] struct {
	order []K
	items map[K]T
	merge func(old, update T) T
}

// NewSeen builds an empty map. merge resolves a repeat observation of a key;
// nil means the newer value replaces the older one.
func NewSeen[K comparable, T any](merge func(old, update T) T) *Seen[K, T] {
	return &Seen[K, T]{items: make(map[K]T), merge: merge}
}

// Add stores item under key and reports whether the key was new.
func (s *Seen[K, T]) Add(key K, item T) bool {
	old, ok := s.items[key]
	if !ok {
		s.order = append(s.order, key)
		s.items[key] = item
		return true
	}
	if s.merge != nil {
		item = s.merge(old, item)
	}
	s.items[key] = item
	return false
}

// Len reports the number of distinct keys.
func (s *Seen[K, T]) Len() int { return len(s.order) }

// Values returns items in first-seen order.
func (s *Seen[K, T]) Values() []T {
	out := make([]T, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.items[k])
	}
	return out
}

// Page is one parsed feed page.
type Page[T any] struct {
	Items   []T
	Threads []ThreadRef
}

// Feed describes one paginated listing: how to request its pages and how to
// turn a payload into keyed items.
type Feed[K comparable, T any] struct {
	Name string
	// First requests the opening page. Thread feeds leave it nil and start at
	// the offset carried by their ThreadRef.
	First      func() FetchRequest
	Next       func(offset int) FetchRequest
	Parse      func(payload []byte) Page[T]
	Key        func(T) K
	MinPayload int
}

// Pager runs feeds page by page through a Fetcher. It holds no per-run state.
type Pager struct {
	Fetcher  Fetcher
	PageSize int
	// MaxItems caps distinct items per run. Zero means no cap.
	MaxItems int
	Sleep    time.Duration
	Jitter   time.Duration
	Pauser   Pauser
	Logger   *zap.Logger
}

func (p *Pager) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func (p *Pager) pageSize() int {
	if p.PageSize <= 0 {
		return DefaultPageSize
	}
	return p.PageSize
}

func (p *Pager) capped(n int) bool {
	return p.MaxItems > 0 && n >= p.MaxItems
}

func (p *Pager) pause(ctx context.Context) {
	pauser := p.Pauser
	if pauser == nil {
		pauser = TimerPauser{}
	}
	pauser.Pause(ctx, p.Sleep+Jitter(p.Jitter))
}

// fetch returns the body, or nil when the page is missing or too short to hold
// entities.
func (p *Pager) fetch(ctx context.Context, req FetchRequest, minPayload int) ([]byte, error) {
	resp, err := p.Fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(resp.Body)) < minPayload {
		return nil, nil
	}
	return resp.Body, nil
}

// ThreadFeed builds the feed for one reply thread.
type ThreadFeed[K comparable, T any] func(ref ThreadRef) Feed[K, T]

// Crawl walks feed into seen. Reply threads reported by any page are expanded
// once each through threads into the same map. A failure on the first page is
// returned; a failure on any later page ends the feed.
func Crawl[K comparable, T any](ctx context.Context, p *Pager, feed Feed[K, T], seen *Seen[K, T], threads ThreadFeed[K, T]) error {
	log := p.logger().With(zap.String("feed", feed.Name))
	minPayload := feed.MinPayload
	if minPayload == 0 {
		minPayload = DefaultFeedMinPayload
	}
	expanded := make(map[int64]struct{})

	expand := func(refs []ThreadRef) int {
		fresh := 0
		for _, ref := range refs {
			if _, done := expanded[ref.ThreadID]; done || threads == nil {
				continue
			}
			expanded[ref.ThreadID] = struct{}{}
			fresh++
			added, err := CrawlThread(ctx, p, threads(ref), seen, ref.Offset)
			if err != nil {
				log.Debug("thread stopped", zap.Int64("thread_id", ref.ThreadID), zap.Error(err))
			}
			log.Debug("thread expanded", zap.Int64("thread_id", ref.ThreadID), zap.Int("added", added))
		}
		return fresh
	}

	first := feed.First
	if first == nil {
		return fmt.Errorf("feed %s has no first page", feed.Name)
	}
	body, err := p.fetch(ctx, first(), 0)
	if err != nil {
		return fmt.Errorf("fetch first page of %s: %w", feed.Name, err)
	}
	page := feed.Parse(body)
	for _, item := range page.Items {
		seen.Add(feed.Key(item), item)
	}
	estimate := len(page.Items)
	if estimate == 0 {
		estimate = p.pageSize()
	}
	expand(page.Threads)
	log.Debug("first page", zap.Int("items", len(page.Items)), zap.Int("seen", seen.Len()))
	p.pause(ctx)

	cursor := estimate
	for pageNo := 2; ; pageNo++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("crawl %s: %w", feed.Name, err)
		}
		if p.capped(seen.Len()) {
			log.Debug("cap reached", zap.Int("seen", seen.Len()))
			return nil
		}
		body, err := p.fetch(ctx, feed.Next(cursor), minPayload)
		if err != nil {
			log.Info("page fetch failed, ending feed", zap.Int("page", pageNo), zap.Int("offset", cursor), zap.Error(err))
			return nil
		}
		if body == nil {
			log.Debug("short page, ending feed", zap.Int("page", pageNo), zap.Int("offset", cursor))
			return nil
		}
		page := feed.Parse(body)
		added := 0
		for _, item := range page.Items {
			if seen.Add(feed.Key(item), item) {
				added++
			}
		}
		freshThreads := expand(page.Threads)
		log.Debug("page merged",
			zap.Int("page", pageNo),
			zap.Int("offset", cursor),
			zap.Int("items", len(page.Items)),
			zap.Int("added", added),
			zap.Int("threads", freshThreads),
			zap.Int("seen", seen.Len()),
		)
		if added == 0 && freshThreads == 0 {
			return nil
		}
		if n := len(page.Items); n > 0 {
			estimate = n
		}
		cursor += estimate
		p.pause(ctx)
	}
}

// CrawlThread walks one reply thread from start into seen and returns how many
// new items it contributed.
func CrawlThread[K comparable, T any](ctx context.Context, p *Pager, feed Feed[K, T], seen *Seen[K, T], start int) (int, error) {
	minPayload := feed.MinPayload
	if minPayload == 0 {
		minPayload = DefaultThreadMinPayload
	}
	total := 0
	offset := start
	for {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("crawl thread %s: %w", feed.Name, err)
		}
		if p.capped(seen.Len()) {
			return total, nil
		}
		body, err := p.fetch(ctx, feed.Next(offset), minPayload)
		if err != nil {
			return total, fmt.Errorf("fetch thread %s at %d: %w", feed.Name, offset, err)
		}
		if body == nil {
			return total, nil
		}
		page := feed.Parse(body)
		if len(page.Items) == 0 {
			return total, nil
		}
		added := 0
		for _, item := range page.Items {
			if seen.Add(feed.Key(item), item) {
				added++
			}
		}
		total += added
		if added == 0 {
			return total, nil
		}
		offset += len(page.Items)
		p.pause(ctx)
	}
}
