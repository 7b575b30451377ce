package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/vk-harvester/internal/crawler"
)

func TestUpsertPostsCommits(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewEntityStore(mock, nil)
	now := time.Unix(1_700_000_000, 0).UTC()
	post := crawler.Post{OwnerID: -1, PostID: 10, URL: "https://m.vk.com/wall-1_10", Text: "hi #Go", CollectedAt: now}
	post.Features.Hashtags = []string{"#Go", "#go"}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO posts").
		WithArgs(
			int64(-1), int64(10), post.URL, "", int64(0), "hi #Go",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			false, pgxmock.AnyArg(),
			pgxmock.AnyArg(), `["#go"]`, `[]`, `[]`, now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.UpsertPosts(context.Background(), post))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertPostsRollsBackOnError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewEntityStore(mock, nil)
	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO posts").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO posts").WillReturnError(boom)
	mock.ExpectRollback()

	err = s.UpsertPosts(context.Background(),
		crawler.Post{OwnerID: -1, PostID: 1},
		crawler.Post{OwnerID: -1, PostID: 2},
	)
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "upsert post -1_2")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertNothingSkipsTransaction(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewEntityStore(mock, nil)
	require.NoError(t, s.UpsertPosts(context.Background()))
	require.NoError(t, s.UpsertComments(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCommentsKeepsNullAuthor(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewEntityStore(mock, nil)
	c := crawler.Comment{OwnerID: -1, PostID: 10, CommentID: 5, Text: "anon"}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO comments").
		WithArgs(
			int64(-1), int64(10), int64(5), (*int64)(nil), "", "", "anon", "",
			int64(0), pgxmock.AnyArg(), (*int64)(nil),
			pgxmock.AnyArg(), `[]`, `[]`, `[]`, pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.UpsertComments(context.Background(), c))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertProfileReplacesChildren(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewEntityStore(mock, nil)
	bundle := crawler.ProfileBundle{
		Profile:   crawler.Profile{UserID: 42, FirstName: "Ivan"},
		Counters:  map[string]int64{"friends": 3},
		Languages: []string{"English"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO profiles").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM profile_counters").WithArgs(int64(42)).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO profile_counters").
		WithArgs(int64(42), "friends", int64(3)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM profile_items").WithArgs(int64(42)).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO profile_items").
		WithArgs(int64(42), "language", 0, `"English"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.UpsertProfile(context.Background(), bundle))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertProfileRollsBackOnItemError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewEntityStore(mock, nil)
	bundle := crawler.ProfileBundle{
		Profile:   crawler.Profile{UserID: 7},
		Languages: []string{"Russian"},
	}
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO profiles").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM profile_counters").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("DELETE FROM profile_items").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO profile_items").WillReturnError(errors.New("constraint"))
	mock.ExpectRollback()

	err = s.UpsertProfile(context.Background(), bundle)
	require.ErrorContains(t, err, "insert language item")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostsWithoutComments(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT p.owner_id, p.post_id").
		WillReturnRows(pgxmock.NewRows([]string{"owner_id", "post_id"}).
			AddRow(int64(-1), int64(30)).
			AddRow(int64(-1), int64(20)))

	keys, err := NewEntityStore(mock, nil).PostsWithoutComments(context.Background())
	require.NoError(t, err)
	require.Equal(t, []crawler.PostKey{{OwnerID: -1, PostID: 30}, {OwnerID: -1, PostID: 20}}, keys)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommentersWithoutProfile(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT DISTINCT c.from_id").
		WillReturnRows(pgxmock.NewRows([]string{"from_id"}).AddRow(int64(3)).AddRow(int64(9)))

	ids, err := NewEntityStore(mock, nil).CommentersWithoutProfile(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int64{3, 9}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommentersWithoutProfileQueryError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT DISTINCT c.from_id").WillReturnError(errors.New("down"))
	_, err = NewEntityStore(mock, nil).CommentersWithoutProfile(context.Background())
	require.ErrorContains(t, err, "failed to list commenters without profile")
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS posts").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, Migrate(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}
