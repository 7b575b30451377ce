package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	runid "github.com/JakeFAU/vk-harvester/internal/id/uuid"
	"github.com/JakeFAU/vk-harvester/internal/store"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	repoTimeout     = 3 * time.Second
)

// RunHandler exposes read-only run history endpoints.
type RunHandler struct {
	repo    store.RunRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunHandler wires the repository and logger.
func NewRunHandler(repo store.RunRepository, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{
		repo:    repo,
		timeout: repoTimeout,
		logger:  logger,
	}
}

// ListRuns handles GET /v1/runs?status=&limit=&offset=. It returns
// {"runs": [...]} newest first, 400 for invalid filters, 503 without a
// repository, or 500 if the repository call fails.
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run repository unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.RunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, parseErr := parseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &parsed
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.repo.ListRuns(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": toRunDTOs(runs)})
}

// GetRun handles GET /v1/runs/{run_id}. It returns {"run": {...}}, 400 for a
// malformed id and 404 when the run is unknown.
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

// ListRunStages handles GET /v1/runs/{run_id}/stages and returns
// {"stages": [...]} for a known run.
func (h *RunHandler) ListRunStages(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	stages, err := h.repo.ListRunStages(ctx, run.ID)
	if err != nil {
		h.logger.Error("list run stages failed", zap.Stringer("run_id", run.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list run stages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stages": toStageDTOs(stages)})
}

func (h *RunHandler) loadRun(w http.ResponseWriter, r *http.Request) (store.Run, bool) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run repository unavailable")
		return store.Run{}, false
	}
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return store.Run{}, false
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return store.Run{}, false
		}
		h.logger.Error("get run failed", zap.Stringer("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return store.Run{}, false
	}
	return run, true
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "run_id")
	if raw == "" {
		return uuid.Nil, errors.New("run_id is required")
	}
	id, err := runid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.New("invalid run_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (store.RunStatus, error) {
	switch strings.ToLower(input) {
	case "running":
		return store.RunRunning, nil
	case "success", "ok":
		return store.RunSuccess, nil
	case "error", "failed", "failure":
		return store.RunError, nil
	default:
		return "", errors.New("invalid status")
	}
}

type runDTO struct {
	RunID      string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Error      *string    `json:"error,omitempty"`
}

type stageDTO struct {
	Stage      string    `json:"stage"`
	Tasks      int64     `json:"tasks"`
	Failures   int64     `json:"failures"`
	Items      int64     `json:"items"`
	LastUpdate time.Time `json:"last_update"`
}

func toRunDTOs(in []store.Run) []runDTO {
	out := make([]runDTO, 0, len(in))
	for _, run := range in {
		out = append(out, toRunDTO(run))
	}
	return out
}

func toRunDTO(run store.Run) runDTO {
	return runDTO{
		RunID:      run.ID.String(),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Error:      run.ErrorMessage,
	}
}

func toStageDTOs(in []store.StageCounters) []stageDTO {
	out := make([]stageDTO, 0, len(in))
	for _, s := range in {
		out = append(out, stageDTO{
			Stage:      s.Stage,
			Tasks:      s.Tasks,
			Failures:   s.Failures,
			Items:      s.Items,
			LastUpdate: s.LastUpdate,
		})
	}
	return out
}
