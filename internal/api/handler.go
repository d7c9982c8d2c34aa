package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/opensource-finance/heron/internal/runner"
)

const (
	defaultRunLimit      = 20
	maxRunLimit          = 500
	defaultAnomalyWindow = 7 * 24 * time.Hour
	defaultSummaryDays   = 30
)

// Handler holds dependencies for API handlers.
type Handler struct {
	runner  *runner.Runner
	catalog *runner.Catalog
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	version string
}

// NewHandler creates a new API handler.
func NewHandler(r *runner.Runner, catalog *runner.Catalog, repo domain.Repository, cache domain.Cache, bus domain.EventBus, version string) *Handler {
	return &Handler{
		runner:  r,
		catalog: catalog,
		repo:    repo,
		cache:   cache,
		bus:     bus,
		version: version,
	}
}

// RunAccepted is the response for an asynchronous run request.
type RunAccepted struct {
	Status  string `json:"status"`
	Model   string `json:"model"`
	TraceID string `json:"traceId"`
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
		"target":  h.runner.Target(),
	})
}

// Ready reports ready once at least one model is loaded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.catalog.Len() == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListModels returns the loaded model specs.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	models := h.catalog.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"models": models,
		"count":  len(models),
	})
}

// GetModel returns a single model spec.
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	spec, ok := h.model(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

// ReloadModels re-reads model definitions. A bad file leaves the loaded
// models in place.
func (h *Handler) ReloadModels(w http.ResponseWriter, r *http.Request) {
	count, err := h.catalog.Reload()
	if err != nil {
		slog.Error("failed to reload models", "error", err)
		writeError(w, err)
		return
	}

	slog.Info("models reloaded", "count", count)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   count,
	})
}

// RunModel runs a model now, or queues it on the bus with ?async=true.
func (h *Handler) RunModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	traceID := GetTraceID(ctx)

	spec, ok := h.model(w, r)
	if !ok {
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if h.bus == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "event bus not available",
			})
			return
		}
		payload, _ := json.Marshal(domain.AnalysisRequest{Model: spec.Name, TraceID: traceID})
		if err := h.bus.Publish(ctx, h.runner.Target(), domain.TopicAnalysisRequested, payload); err != nil {
			slog.Error("failed to queue run", "model", spec.Name, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "failed to queue run",
			})
			return
		}
		writeJSON(w, http.StatusAccepted, RunAccepted{
			Status:  "queued",
			Model:   spec.Name,
			TraceID: traceID,
		})
		return
	}

	report, err := h.runner.Run(runner.WithTraceID(ctx, traceID), spec)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveRun(ctx, h.runner.Target(), report); err != nil {
			slog.Error("failed to save run", "run_id", report.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, report)
}

// ListRuns returns recent runs of a model, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	model := chi.URLParam(r, "model")

	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = min(n, maxRunLimit)
	}

	runs, err := h.repo.ListRuns(r.Context(), h.runner.Target(), model, limit)
	if err != nil {
		slog.Error("failed to list runs", "model", model, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun retrieves a run report by ID.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	runID := chi.URLParam(r, "id")

	report, err := h.repo.GetRun(r.Context(), h.runner.Target(), runID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get run", "id", runID, "error", err)
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// ListAnomalies returns stored findings for a model since ?since (RFC 3339),
// defaulting to the last seven days.
func (h *Handler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	model := chi.URLParam(r, "model")

	since := time.Now().UTC().Add(-defaultAnomalyWindow)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "since must be an RFC 3339 timestamp",
			})
			return
		}
		since = t
	}

	anomalies, err := h.repo.ListAnomalies(r.Context(), h.runner.Target(), model, since)
	if err != nil {
		slog.Error("failed to list anomalies", "model", model, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"anomalies": anomalies,
		"count":     len(anomalies),
		"since":     since,
	})
}

// FeatureImportance ranks a model's multivariate features.
func (h *Handler) FeatureImportance(w http.ResponseWriter, r *http.Request) {
	spec, ok := h.model(w, r)
	if !ok {
		return
	}

	weights, err := h.runner.FeatureImportance(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"model":      spec.Name,
		"importance": weights,
	})
}

// SegmentSummary describes a model's segment columns over ?days days.
func (h *Handler) SegmentSummary(w http.ResponseWriter, r *http.Request) {
	spec, ok := h.model(w, r)
	if !ok {
		return
	}

	days := defaultSummaryDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "days must be an integer",
			})
			return
		}
		days = n
	}

	summary, err := h.runner.SegmentSummary(r.Context(), spec, days)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"model":    spec.Name,
		"days":     days,
		"segments": summary,
	})
}

// SegmentDrift runs the weekly segment share trend check.
func (h *Handler) SegmentDrift(w http.ResponseWriter, r *http.Request) {
	spec, ok := h.model(w, r)
	if !ok {
		return
	}

	res, err := h.runner.SegmentDrift(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) model(w http.ResponseWriter, r *http.Request) (domain.ModelSpec, bool) {
	name := chi.URLParam(r, "model")
	spec, ok := h.catalog.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "model not found: " + name,
		})
	}
	return spec, ok
}

func (h *Handler) requireRepo(w http.ResponseWriter) bool {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var cfgErr *domain.ConfigError
	var insufficient *domain.InsufficientDataError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &cfgErr), errors.Is(err, runner.ErrNoAnalyzers):
		return http.StatusBadRequest
	case errors.As(err, &insufficient):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrDataFetch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
