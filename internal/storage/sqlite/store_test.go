package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/vk-harvester/internal/crawler"
)

var collected = time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), " ", nil)
	require.Error(t, err)
}

func TestUpsertPostPreservesKnownFields(t *testing.T) {
	t.Parallel()

	s := openMemory(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertPosts(ctx, crawler.Post{
		OwnerID: -1, PostID: 7, URL: "https://m.vk.com/wall-1_7", DateText: "today at 10:00", Timestamp: 1710486000,
		Text: "first", Flags: crawler.Flags{CommentsClosed: ptr(true)},
		Features:    crawler.TextFeatures{Hashtags: []string{"#Spb", "#spb"}},
		CollectedAt: collected,
	}))
	require.NoError(t, s.UpsertPosts(ctx, crawler.Post{
		OwnerID: -1, PostID: 7, Text: "second", Counters: crawler.Counters{Likes: 4}, CollectedAt: collected,
	}))

	var (
		url, dateText, text, tags string
		ts, likes                 int64
		closed                    sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT url, date_text, ts, text, likes, comments_closed, hashtags FROM posts WHERE owner_id = -1 AND post_id = 7`,
	).Scan(&url, &dateText, &ts, &text, &likes, &closed, &tags)
	require.NoError(t, err)
	require.Equal(t, "https://m.vk.com/wall-1_7", url)
	require.Equal(t, "today at 10:00", dateText)
	require.Equal(t, int64(1710486000), ts)
	require.Equal(t, "second", text)
	require.Equal(t, int64(4), likes)
	require.True(t, closed.Valid)
	require.Equal(t, int64(1), closed.Int64)
	require.Equal(t, `[]`, tags, "the later observation replaces features")
}

func TestUpsertCommentKeepsResolvedIDs(t *testing.T) {
	t.Parallel()

	s := openMemory(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertComments(ctx, crawler.Comment{
		OwnerID: -1, PostID: 7, CommentID: 502, FromID: ptr(int64(77)), ReplyTo: ptr(int64(501)),
		AuthorName: "Ivan", Timestamp: 100, CollectedAt: collected,
	}))
	require.NoError(t, s.UpsertComments(ctx, crawler.Comment{
		OwnerID: -1, PostID: 7, CommentID: 502, Text: "edited", Likes: 2, CollectedAt: collected,
	}))

	var (
		from, replyTo sql.NullInt64
		author, text  string
		ts            int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT from_id, reply_to, author_name, text, ts FROM comments WHERE comment_id = 502`,
	).Scan(&from, &replyTo, &author, &text, &ts)
	require.NoError(t, err)
	require.Equal(t, int64(77), from.Int64)
	require.Equal(t, int64(501), replyTo.Int64)
	require.Equal(t, "Ivan", author)
	require.Equal(t, "edited", text)
	require.Equal(t, int64(100), ts)
}

func TestGapFillQueries(t *testing.T) {
	t.Parallel()

	s := openMemory(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertPosts(ctx,
		crawler.Post{OwnerID: -1, PostID: 1, Timestamp: 10, CollectedAt: collected},
		crawler.Post{OwnerID: -1, PostID: 2, Timestamp: 30, CollectedAt: collected},
		crawler.Post{OwnerID: -1, PostID: 3, Timestamp: 20, CollectedAt: collected},
	))
	require.NoError(t, s.UpsertComments(ctx,
		crawler.Comment{OwnerID: -1, PostID: 1, CommentID: 1, FromID: ptr(int64(9)), CollectedAt: collected},
		crawler.Comment{OwnerID: -1, PostID: 1, CommentID: 2, FromID: ptr(int64(3)), CollectedAt: collected},
		crawler.Comment{OwnerID: -1, PostID: 1, CommentID: 3, FromID: ptr(int64(-4)), CollectedAt: collected},
		crawler.Comment{OwnerID: -1, PostID: 1, CommentID: 4, CollectedAt: collected},
		crawler.Comment{OwnerID: -1, PostID: 1, CommentID: 5, FromID: ptr(int64(9)), CollectedAt: collected},
	))

	keys, err := s.PostsWithoutComments(ctx)
	require.NoError(t, err)
	require.Equal(t, []crawler.PostKey{{OwnerID: -1, PostID: 2}, {OwnerID: -1, PostID: 3}}, keys)

	require.NoError(t, s.UpsertProfile(ctx, crawler.ProfileBundle{Profile: crawler.Profile{UserID: 3}, CollectedAt: collected}))
	ids, err := s.CommentersWithoutProfile(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{9}, ids)
}

func TestUpsertProfileReplacesChildren(t *testing.T) {
	t.Parallel()

	s := openMemory(t)
	ctx := context.Background()
	first := crawler.ProfileBundle{
		Profile:     crawler.Profile{UserID: 42, FirstName: "Anna"},
		Counters:    map[string]int64{"friends": 10, "followers": 3},
		Languages:   []string{"ru", "en"},
		Friends:     []crawler.UserSample{{UserID: 1}, {UserID: 2}},
		CollectedAt: collected,
	}
	require.NoError(t, s.UpsertProfile(ctx, first))

	second := crawler.ProfileBundle{
		Profile:     crawler.Profile{UserID: 42, FirstName: "Anna", LastName: "K"},
		Counters:    map[string]int64{"friends": 11},
		Languages:   []string{"de"},
		CollectedAt: collected,
	}
	require.NoError(t, s.UpsertProfile(ctx, second))

	count := func(query string) int {
		var n int
		require.NoError(t, s.db.QueryRowContext(ctx, query).Scan(&n))
		return n
	}
	require.Equal(t, 1, count(`SELECT COUNT(*) FROM profiles`))
	require.Equal(t, 1, count(`SELECT COUNT(*) FROM profile_counters WHERE user_id = 42`))
	require.Equal(t, 1, count(`SELECT COUNT(*) FROM profile_items WHERE user_id = 42`))
	require.Equal(t, 0, count(`SELECT COUNT(*) FROM profile_items WHERE kind = 'friend'`))

	var last string
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT last_name FROM profiles WHERE user_id = 42`).Scan(&last))
	require.Equal(t, "K", last)
}

func TestUpsertPostsRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO posts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO posts").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	s := NewWithDB(db, nil)
	err = s.UpsertPosts(context.Background(),
		crawler.Post{OwnerID: -1, PostID: 1, CollectedAt: collected},
		crawler.Post{OwnerID: -1, PostID: 2, CollectedAt: collected},
	)
	require.ErrorContains(t, err, "upsert post -1_2")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertProfileRollsBackOnItemFailure(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO profiles").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM profile_counters").WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM profile_items").WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO profile_items").WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()

	s := NewWithDB(db, nil)
	err = s.UpsertProfile(context.Background(), crawler.ProfileBundle{
		Profile:     crawler.Profile{UserID: 5},
		Languages:   []string{"ru"},
		CollectedAt: collected,
	})
	require.ErrorContains(t, err, "insert language item")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGapFillQueryError(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	mock.ExpectQuery("SELECT p.owner_id, p.post_id FROM posts").WillReturnError(errors.New("locked"))
	_, err = NewWithDB(db, nil).PostsWithoutComments(context.Background())
	require.ErrorContains(t, err, "query posts without comments")
	require.NoError(t, mock.ExpectationsWereMet())
}
