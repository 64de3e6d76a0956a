package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/noshow-platform/internal/runlog"
	"github.com/wolfman30/noshow-platform/pkg/logging"
)

// RunHistory lists recent job runs.
type RunHistory interface {
	Recent(ctx context.Context, job string, limit int) ([]runlog.Summary, error)
}

// Handler serves the scheduler-facing cron endpoints. Authentication happens in
// middleware before these handlers run.
type Handler struct {
	runner  *Runner
	history RunHistory
	logger  *logging.Logger
}

// NewHandler creates a cron handler. history may be nil.
func NewHandler(runner *Runner, history RunHistory, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{runner: runner, history: history, logger: logger}
}

// RegisterRoutes mounts the cron endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/runs", h.runs)
	r.Get("/{job}", h.run)
	r.Post("/{job}", h.run)
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request) {
	summary, err := h.runner.Run(r.Context(), chi.URLParam(r, "job"))
	switch {
	case errors.Is(err, ErrUnknownJob):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown job"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, summary)
	}
}

func (h *Handler) runs(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run history unavailable"})
		return
	}
	job := r.URL.Query().Get("job")
	if job != "" {
		canonical, ok := Canonical(job)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown job"})
			return
		}
		job = canonical
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.history.Recent(r.Context(), job, limit)
	if err != nil {
		h.logger.Error("cron handler: list runs", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if list == nil {
		list = []runlog.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": list})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
