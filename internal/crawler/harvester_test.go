package crawler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// recordingFetcher answers by path and offset and keeps every request.
type recordingFetcher struct {
	mu       sync.Mutex
	requests []FetchRequest
	answer   func(req FetchRequest) string
}

func (f *recordingFetcher) Fetch(_ context.Context, req FetchRequest) (FetchResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return FetchResponse{URL: req.FullURL(), StatusCode: http.StatusOK, Body: []byte(f.answer(req))}, nil
}

// lineExtractor reads "kind id ts [reply] [thread@offset]" lines.
type lineExtractor struct{}

func (lineExtractor) Posts(payload []byte) []Post {
	var out []Post
	for _, line := range strings.Split(string(payload), "\n") {
		f := strings.Fields(line)
		if len(f) < 3 || f[0] != "post" {
			continue
		}
		id, _ := strconv.ParseInt(f[1], 10, 64)
		ts, _ := strconv.ParseInt(f[2], 10, 64)
		out = append(out, Post{OwnerID: -1, PostID: id, Timestamp: ts, Text: line})
	}
	return out
}

func (lineExtractor) Comments(payload []byte, key PostKey) ([]Comment, []ThreadRef) {
	var (
		out     []Comment
		threads []ThreadRef
	)
	for _, line := range strings.Split(string(payload), "\n") {
		f := strings.Fields(line)
		switch {
		case len(f) == 2 && f[0] == "thread":
			parts := strings.Split(f[1], "@")
			id, _ := strconv.ParseInt(parts[0], 10, 64)
			off, _ := strconv.Atoi(parts[1])
			threads = append(threads, ThreadRef{ThreadID: id, Offset: off})
		case len(f) >= 3 && f[0] == "c":
			id, _ := strconv.ParseInt(f[1], 10, 64)
			ts, _ := strconv.ParseInt(f[2], 10, 64)
			c := Comment{OwnerID: key.OwnerID, PostID: key.PostID, CommentID: id, Timestamp: ts}
			if len(f) == 4 {
				root, _ := strconv.ParseInt(f[3], 10, 64)
				c.ReplyTo = &root
			}
			out = append(out, c)
		}
	}
	return out, threads
}

func (lineExtractor) Profile(payload []byte, userID int64) (ProfileBundle, error) {
	return ProfileBundle{Profile: Profile{UserID: userID, FirstName: string(payload)}}, nil
}

func pad(s string) string { return s + "\n" + strings.Repeat(" #", 40) }

func newTestHarvester(f Fetcher) *Harvester {
	return NewHarvester(HarvesterConfig{BaseURL: "https://m.vk.com/", PageSize: 10}, f, lineExtractor{}, noPause{}, nil)
}

func TestHarvesterPostsPaginatesAndSorts(t *testing.T) {
	t.Parallel()

	f := &recordingFetcher{answer: func(req FetchRequest) string {
		switch req.Query.Get("offset") {
		case "":
			return "post 1 100\npost 2 300\npost 3 200"
		case "3":
			return pad("post 4 50\npost 2 300")
		default:
			return pad("post 4 50")
		}
	}}
	posts, err := newTestHarvester(f).Posts(context.Background(), "/habr/", 10)
	require.NoError(t, err)
	got := make([]int64, 0, len(posts))
	for _, p := range posts {
		got = append(got, p.PostID)
	}
	require.Equal(t, []int64{2, 3, 1, 4}, got)

	require.Equal(t, http.MethodGet, f.requests[0].Method)
	require.Equal(t, "https://m.vk.com/habr", f.requests[0].URL)
	next := f.requests[1]
	require.Equal(t, http.MethodPost, next.Method)
	require.Equal(t, "https://m.vk.com/habr?offset=3&own=1", next.FullURL())
	require.Equal(t, "1", next.Form.Get("_ajax"))
	require.Equal(t, "group", next.Form.Get("_pstatref"))

	capped, err := newTestHarvester(f).Posts(context.Background(), "habr", 2)
	require.NoError(t, err)
	require.Len(t, capped, 2)
	require.Equal(t, int64(2), capped[0].PostID, "truncation happens after sorting")
}

func TestHarvesterPostsRejectsEmptySlug(t *testing.T) {
	t.Parallel()

	_, err := newTestHarvester(&recordingFetcher{}).Posts(context.Background(), " / ", 10)
	require.Error(t, err)
}

func TestHarvesterCommentsExpandsThreads(t *testing.T) {
	t.Parallel()

	f := &recordingFetcher{answer: func(req FetchRequest) string {
		if req.Query.Get("reply") == "11" {
			if req.Query.Get("offset") == "0" {
				return pad("c 12 40 11\nc 13 41 11")
			}
			return ""
		}
		switch req.Query.Get("offset") {
		case "":
			return "c 10 5\nc 11 6\nthread 11@0"
		default:
			return pad("c 11 6\nc 12 40 11")
		}
	}}
	comments, err := newTestHarvester(f).Comments(context.Background(), PostKey{OwnerID: -7, PostID: 3}, 0)
	require.NoError(t, err)

	got := make([]int64, 0, len(comments))
	for _, c := range comments {
		got = append(got, c.CommentID)
	}
	require.Equal(t, []int64{10, 11, 12, 13}, got)
	require.Equal(t, "https://m.vk.com/wall-7_3", f.requests[0].URL)

	var threadReq *FetchRequest
	for i := range f.requests {
		if f.requests[i].Query.Get("reply") != "" {
			threadReq = &f.requests[i]
			break
		}
	}
	require.NotNil(t, threadReq)
	require.Equal(t, "https://m.vk.com/wall-7_3?offset=0&own=1&reply=11", threadReq.FullURL())
}

func TestHarvesterProfileUsesAbsoluteID(t *testing.T) {
	t.Parallel()

	f := &recordingFetcher{answer: func(FetchRequest) string { return "Ivan" }}
	bundle, err := newTestHarvester(f).Profile(context.Background(), -42)
	require.NoError(t, err)
	require.Equal(t, int64(42), bundle.Profile.UserID)
	require.Equal(t, "https://m.vk.com/id42", f.requests[0].URL)

	_, err = newTestHarvester(f).Profile(context.Background(), 0)
	require.Error(t, err)
}

func TestWithFetcherLeavesOriginal(t *testing.T) {
	t.Parallel()

	a := &recordingFetcher{answer: func(FetchRequest) string { return "a" }}
	b := &recordingFetcher{answer: func(FetchRequest) string { return "b" }}
	h := newTestHarvester(a)
	_, err := h.WithFetcher(b).Profile(context.Background(), 1)
	require.NoError(t, err)
	require.Empty(t, a.requests)
	require.Len(t, b.requests, 1)
}

func TestSortComments(t *testing.T) {
	t.Parallel()

	root := int64(1)
	comments := []Comment{
		{CommentID: 3, Timestamp: 30, ReplyTo: &root},
		{CommentID: 2, Timestamp: 20},
		{CommentID: 1, Timestamp: 10, ReplyTo: &root},
		{CommentID: 4, Timestamp: 5, ReplyTo: &root},
	}
	SortComments(comments)
	got := []int64{comments[0].CommentID, comments[1].CommentID, comments[2].CommentID, comments[3].CommentID}
	require.Equal(t, []int64{2, 4, 1, 3}, got, "any reply target sorts after top-level comments")
}

func TestMergeKeepsResolvedFields(t *testing.T) {
	t.Parallel()

	from := int64(99)
	closed := true
	oldC := Comment{CommentID: 1, FromID: &from, AuthorName: "A", Text: "hi", Timestamp: 10}
	merged := MergeComment(oldC, Comment{CommentID: 1, Likes: 4})
	require.Equal(t, &from, merged.FromID)
	require.Equal(t, "A", merged.AuthorName)
	require.Equal(t, "hi", merged.Text)
	require.Equal(t, int64(10), merged.Timestamp)
	require.Equal(t, int64(4), merged.Likes)

	oldP := Post{PostID: 1, URL: "u", DateText: "today", Timestamp: 7, Flags: Flags{CommentsClosed: &closed}}
	mp := MergePost(oldP, Post{PostID: 1, Counters: Counters{Likes: 3}, Timestamp: 9})
	require.Equal(t, "u", mp.URL)
	require.Equal(t, "today", mp.DateText)
	require.Equal(t, int64(9), mp.Timestamp)
	require.Equal(t, &closed, mp.Flags.CommentsClosed)
	require.Equal(t, int64(3), mp.Counters.Likes)
}
