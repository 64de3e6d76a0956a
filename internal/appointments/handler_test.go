package appointments

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/noshow-platform/internal/tenancy"
)

func newTestRouter(store *MemoryStore, clinicID string) http.Handler {
	h := NewHandler(newTestService(store, &stubRules{rule: billingOn}), nil)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if clinicID != "" {
				req = req.WithContext(tenancy.WithClinicID(req.Context(), clinicID))
			}
			next.ServeHTTP(w, req)
		})
	})
	h.RegisterRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var payload map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &payload)
	return rec, payload
}

func TestHandlerCreateAndList(t *testing.T) {
	store := NewMemoryStore()
	h := newTestRouter(store, "clinic-1")

	rec, payload := do(t, h, http.MethodPost, "/appointments", `{"patient_name":"Ana","starts_at":"2026-03-10T16:00:00Z"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "scheduled", payload["status"])
	assert.Equal(t, "clinic-1", payload["clinic_id"])

	rec, payload = do(t, h, http.MethodPost, "/appointments", `{"patient_name":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing patient_name or starts_at", payload["error"])

	rec, payload = do(t, h, http.MethodGet, "/appointments", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, payload["appointments"], 1)
}

func TestHandlerSetStatusSurfacesRuleText(t *testing.T) {
	store := NewMemoryStore()
	store.Put(appt(StatusScheduled, func(a *Appointment) { a.StartsAt = testNow.Add(time.Hour) }))
	h := newTestRouter(store, "clinic-1")

	rec, payload := do(t, h, http.MethodPatch, "/appointments/appt-1", `{"status":"no_show"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Cannot mark a future appointment as no_show", payload["error"])

	rec, payload = do(t, h, http.MethodPatch, "/appointments/appt-1", `{"status":"vanished"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, payload["error"], "Invalid status. Allowed:")
}

func TestHandlerCheckInAction(t *testing.T) {
	store := NewMemoryStore()
	store.Put(appt(StatusScheduled))
	h := newTestRouter(store, "clinic-1")

	rec, payload := do(t, h, http.MethodPatch, "/appointments/appt-1", `{"action":"check_in"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, payload["ok"])
	appointment := payload["appointment"].(map[string]any)
	assert.Equal(t, "checked_in", appointment["status"])
}

func TestHandlerExcuse(t *testing.T) {
	store := NewMemoryStore()
	store.Put(appt(StatusNoShow, func(a *Appointment) { a.FeePending = true }))
	h := newTestRouter(store, "clinic-1")

	rec, payload := do(t, h, http.MethodPost, "/appointments/appt-1/excuse", `{"reason":"hospitalized"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	appointment := payload["appointment"].(map[string]any)
	assert.Equal(t, true, appointment["no_show_excused"])
	assert.Equal(t, "hospitalized", appointment["no_show_excuse_reason"])
	assert.Equal(t, false, appointment["no_show_fee_pending"])
}

func TestHandlerNotFoundAcrossClinics(t *testing.T) {
	store := NewMemoryStore()
	store.Put(appt(StatusScheduled))
	h := newTestRouter(store, "clinic-2")

	rec, payload := do(t, h, http.MethodPatch, "/appointments/appt-1", `{"status":"late"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Appointment not found", payload["error"])
}

func TestHandlerRequiresClinic(t *testing.T) {
	h := newTestRouter(NewMemoryStore(), "")
	rec, _ := do(t, h, http.MethodGet, "/appointments", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
