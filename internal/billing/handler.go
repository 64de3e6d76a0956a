package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/noshow-platform/internal/appointments"
	"github.com/wolfman30/noshow-platform/internal/tenancy"
	"github.com/wolfman30/noshow-platform/pkg/logging"
)

const feeListLimit = 200

// FeeLister reads a clinic's fees filtered by view.
type FeeLister interface {
	ListFees(ctx context.Context, clinicID string, view appointments.FeeView, limit int) ([]appointments.Appointment, error)
}

// Handler serves the billing views and the retry action.
type Handler struct {
	fees   FeeLister
	retry  *RetryService
	logger *logging.Logger
}

// NewHandler creates a billing handler.
func NewHandler(fees FeeLister, retry *RetryService, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{fees: fees, retry: retry, logger: logger}
}

// RegisterRoutes mounts billing endpoints behind tenant resolution.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/billing", h.list)
	r.Post("/billing/retry", h.retryFee)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := tenancy.ClinicIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	view := appointments.ParseFeeView(r.URL.Query().Get("view"))
	list, err := h.fees.ListFees(r.Context(), clinicID, view, feeListLimit)
	if err != nil {
		h.logger.Error("billing handler: list fees", "clinic_id", clinicID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if list == nil {
		list = []appointments.Appointment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"view": view, "appointments": list})
}

type retryRequest struct {
	ID string `json:"id"`
}

func (h *Handler) retryFee(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := tenancy.ClinicIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req retryRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	a, err := h.retry.Retry(r.Context(), clinicID, req.ID)
	var vErr *appointments.ValidationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "appointment": a})
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, vErr.Message)
	case errors.Is(err, appointments.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	default:
		h.logger.Error("billing handler: retry fee", "clinic_id", clinicID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
