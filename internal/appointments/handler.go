package appointments

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/wolfman30/noshow-platform/internal/tenancy"
	"github.com/wolfman30/noshow-platform/pkg/logging"
)

// Handler exposes the staff-facing appointment actions.
type Handler struct {
	svc    *Service
	logger *logging.Logger
}

// NewHandler creates an appointment HTTP handler.
func NewHandler(svc *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes mounts appointment endpoints. The router must resolve the clinic
// into the request context first.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/appointments", h.list)
	r.Post("/appointments", h.create)
	r.Patch("/appointments/{id}", h.update)
	r.Post("/appointments/{id}/excuse", h.excuse)
}

type createRequest struct {
	PatientName        string    `json:"patient_name"`
	StartsAt           time.Time `json:"starts_at"`
	BillingCustomerRef string    `json:"billing_customer_ref"`
}

type updateRequest struct {
	Action string `json:"action"`
	Status string `json:"status"`
}

type excuseRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := tenancy.ClinicIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	list, err := h.svc.List(r.Context(), clinicID)
	if err != nil {
		h.fail(w, "list appointments", err)
		return
	}
	if list == nil {
		list = []Appointment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointments": list})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := tenancy.ClinicIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	a, err := h.svc.Create(r.Context(), clinicID, CreateInput{
		PatientName:        req.PatientName,
		StartsAt:           req.StartsAt,
		BillingCustomerRef: req.BillingCustomerRef,
	})
	if err != nil {
		h.fail(w, "create appointment", err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := tenancy.ClinicIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	id := chi.URLParam(r, "id")

	var req updateRequest
	// An empty or malformed body falls through to status validation.
	_ = json.NewDecoder(r.Body).Decode(&req)

	var (
		a   Appointment
		err error
	)
	if strings.TrimSpace(req.Action) == "check_in" {
		a, err = h.svc.CheckIn(r.Context(), clinicID, id)
	} else {
		next, valid := ParseStatus(req.Status)
		if !valid {
			writeError(w, http.StatusBadRequest, "Invalid status. Allowed: "+allowedList())
			return
		}
		a, err = h.svc.SetStatus(r.Context(), clinicID, id, next)
	}
	if err != nil {
		h.fail(w, "update appointment", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "appointment": a})
}

func (h *Handler) excuse(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := tenancy.ClinicIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req excuseRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	a, err := h.svc.Excuse(r.Context(), clinicID, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, "excuse appointment", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "appointment": a})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	var vErr *ValidationError
	switch {
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, vErr.Message)
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "Appointment not found")
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict, "Appointment was modified concurrently, reload and try again")
	default:
		h.logger.Error("appointments handler: "+op, "error", err)
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
