// Package memory provides in-process storage for development and tests.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/JakeFAU/vk-harvester/internal/crawler"
	"github.com/JakeFAU/vk-harvester/internal/store"
)

// EntityStore implements store.Sink with maps guarded by one lock.
type EntityStore struct {
	mu       sync.RWMutex
	posts    map[crawler.PostKey]crawler.Post
	comments map[crawler.CommentKey]crawler.Comment
	profiles map[int64]crawler.ProfileBundle
}

var _ store.Sink = (*EntityStore)(nil)

// NewEntityStore constructs an empty EntityStore.
func NewEntityStore() *EntityStore {
	return &EntityStore{
		posts:    make(map[crawler.PostKey]crawler.Post),
		comments: make(map[crawler.CommentKey]crawler.Comment),
		profiles: make(map[int64]crawler.ProfileBundle),
	}
}

// UpsertPosts stores posts, keeping known url, date text and timestamp.
func (s *EntityStore) UpsertPosts(_ context.Context, posts ...crawler.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range posts {
		p.Features = store.NormalizeFeatures(p.Features)
		if old, ok := s.posts[p.Key()]; ok {
			p = store.MergeStoredPost(old, p)
		}
		s.posts[p.Key()] = p
	}
	return nil
}

// UpsertComments stores comments, keeping resolved author and thread ids.
func (s *EntityStore) UpsertComments(_ context.Context, comments ...crawler.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range comments {
		c.Features = store.NormalizeFeatures(c.Features)
		if old, ok := s.comments[c.Key()]; ok {
			c = store.MergeStoredComment(old, c)
		}
		s.comments[c.Key()] = c
	}
	return nil
}

// UpsertProfile replaces the whole bundle of the user.
func (s *EntityStore) UpsertProfile(_ context.Context, bundle crawler.ProfileBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[bundle.Profile.UserID] = bundle
	return nil
}

// PostsWithoutComments lists stored posts with no stored comment, newest first.
func (s *EntityStore) PostsWithoutComments(_ context.Context) ([]crawler.PostKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	commented := make(map[crawler.PostKey]struct{}, len(s.comments))
	for k := range s.comments {
		commented[crawler.PostKey{OwnerID: k.OwnerID, PostID: k.PostID}] = struct{}{}
	}
	var pending []crawler.Post
	for k, p := range s.posts {
		if _, ok := commented[k]; !ok {
			pending = append(pending, p)
		}
	}
	slices.SortFunc(pending, func(a, b crawler.Post) int {
		if c := cmp.Compare(b.Timestamp, a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.PostID, b.PostID)
	})
	out := make([]crawler.PostKey, 0, len(pending))
	for _, p := range pending {
		out = append(out, p.Key())
	}
	return out, nil
}

// CommentersWithoutProfile lists positive author ids lacking a profile.
func (s *EntityStore) CommentersWithoutProfile(_ context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[int64]struct{}{}
	var out []int64
	for _, c := range s.comments {
		if c.FromID == nil || *c.FromID <= 0 {
			continue
		}
		uid := *c.FromID
		if _, ok := s.profiles[uid]; ok {
			continue
		}
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, uid)
	}
	slices.Sort(out)
	return out, nil
}

// Post returns one stored post.
func (s *EntityStore) Post(key crawler.PostKey) (crawler.Post, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.posts[key]
	return p, ok
}

// Comments returns the stored comments of one post, ordered by comment id.
func (s *EntityStore) Comments(key crawler.PostKey) []crawler.Comment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Comment
	for k, c := range s.comments {
		if k.OwnerID == key.OwnerID && k.PostID == key.PostID {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b crawler.Comment) int { return cmp.Compare(a.CommentID, b.CommentID) })
	return out
}

// Profile returns one stored bundle.
func (s *EntityStore) Profile(userID int64) (crawler.ProfileBundle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.profiles[userID]
	return b, ok
}

// Counts reports how many posts, comments and profiles are stored.
func (s *EntityStore) Counts() (posts, comments, profiles int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.posts), len(s.comments), len(s.profiles)
}

// Close implements store.Sink; it performs no action.
func (s *EntityStore) Close() error { return nil }
