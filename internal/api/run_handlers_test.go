package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/vk-harvester/internal/storage/memory"
	"github.com/JakeFAU/vk-harvester/internal/store"
)

func seededRuns(t *testing.T) (*memory.RunStore, uuid.UUID, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	repo := memory.NewRunStore()
	older, newer := uuid.New(), uuid.New()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.StartRun(ctx, older, base))
	require.NoError(t, repo.AddStageCounters(ctx, older, "posts", 2, 0, 40, base.Add(time.Second)))
	require.NoError(t, repo.AddStageCounters(ctx, older, "comments", 40, 3, 900, base.Add(time.Minute)))
	require.NoError(t, repo.CompleteRun(ctx, older, base.Add(2*time.Minute), store.RunSuccess, nil))

	msg := "fetch exhausted"
	require.NoError(t, repo.StartRun(ctx, newer, base.Add(time.Hour)))
	require.NoError(t, repo.CompleteRun(ctx, newer, base.Add(time.Hour+time.Second), store.RunError, &msg))
	return repo, older, newer
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), into))
}

func TestListRunsNewestFirst(t *testing.T) {
	t.Parallel()

	repo, older, newer := seededRuns(t)
	rec := httptest.NewRecorder()
	NewServer(repo, zap.NewNop()).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []runDTO `json:"runs"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Runs, 2)
	require.Equal(t, newer.String(), body.Runs[0].RunID)
	require.Equal(t, "error", body.Runs[0].Status)
	require.Equal(t, "fetch exhausted", *body.Runs[0].Error)
	require.Equal(t, older.String(), body.Runs[1].RunID)
	require.NotNil(t, body.Runs[1].FinishedAt)
}

func TestListRunsFiltersAndPages(t *testing.T) {
	t.Parallel()

	repo, older, _ := seededRuns(t)
	handler := NewServer(repo, zap.NewNop()).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs?status=success", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []runDTO `json:"runs"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Runs, 1)
	require.Equal(t, older.String(), body.Runs[0].RunID)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs?limit=1&offset=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	require.Len(t, body.Runs, 1)
	require.Equal(t, older.String(), body.Runs[0].RunID)
}

func TestListRunsRejectsBadQuery(t *testing.T) {
	t.Parallel()

	handler := NewServer(memory.NewRunStore(), zap.NewNop()).Handler()
	for _, target := range []string{
		"/v1/runs?limit=-1",
		"/v1/runs?limit=abc",
		"/v1/runs?offset=-3",
		"/v1/runs?status=paused",
	} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	repo, older, _ := seededRuns(t)
	handler := NewServer(repo, zap.NewNop()).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+older.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Run runDTO `json:"run"`
	}
	decode(t, rec, &body)
	require.Equal(t, "success", body.Run.Status)
	require.Nil(t, body.Run.Error)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+uuid.NewString(), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/not-a-uuid", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRunStages(t *testing.T) {
	t.Parallel()

	repo, older, newer := seededRuns(t)
	handler := NewServer(repo, zap.NewNop()).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+older.String()+"/stages", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Stages []stageDTO `json:"stages"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Stages, 2)
	require.Equal(t, "comments", body.Stages[0].Stage)
	require.Equal(t, int64(3), body.Stages[0].Failures)
	require.Equal(t, int64(900), body.Stages[0].Items)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+newer.String()+"/stages", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	require.Empty(t, body.Stages)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+uuid.NewString()+"/stages", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunHandlerRepositoryFailures(t *testing.T) {
	t.Parallel()

	repo := &brokenRepo{err: errors.New("connection reset")}
	handler := NewRunHandler(repo, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	id := uuid.New()
	rec = httptest.NewRecorder()
	handler.GetRun(rec, withRunIDParam(httptest.NewRequest(http.MethodGet, "/v1/runs/"+id.String(), nil), id.String()))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	repo.err = nil
	repo.stagesErr = errors.New("timeout")
	rec = httptest.NewRecorder()
	handler.ListRunStages(rec, withRunIDParam(httptest.NewRequest(http.MethodGet, "/", nil), id.String()))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRunHandlerWithoutRepository(t *testing.T) {
	t.Parallel()

	handler := NewServer(nil, nil).Handler()
	for _, target := range []string{"/v1/runs", "/v1/runs/" + uuid.NewString()} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, target)
	}
}

func TestParseStatusAliases(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]store.RunStatus{
		"running": store.RunRunning,
		"SUCCESS": store.RunSuccess,
		"failed":  store.RunError,
		"error":   store.RunError,
	} {
		got, err := parseStatus(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got)
	}
}

type brokenRepo struct {
	store.RunRepository
	err       error
	stagesErr error
}

func (b *brokenRepo) GetRun(_ context.Context, id uuid.UUID) (store.Run, error) {
	if b.err != nil {
		return store.Run{}, b.err
	}
	return store.Run{ID: id, Status: store.RunRunning}, nil
}

func (b *brokenRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.Run, error) {
	return nil, b.err
}

func (b *brokenRepo) ListRunStages(context.Context, uuid.UUID) ([]store.StageCounters, error) {
	return nil, b.stagesErr
}

func withRunIDParam(r *http.Request, id string) *http.Request {
	ctx := chi.NewRouteContext()
	ctx.URLParams.Add("run_id", id)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, ctx))
}
