package router

import (
	"net/http"
	"strings"

	"github.com/wolfman30/noshow-platform/internal/tenancy"
)

const clinicHeader = "X-Clinic-Id"

// requireClinicHeader trusts the X-Clinic-Id header as the tenant. Only local
// development without a token secret uses it.
func requireClinicHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clinicID := strings.TrimSpace(r.Header.Get(clinicHeader))
		if clinicID == "" {
			http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
			return
		}
		ctx := tenancy.WithClinicID(r.Context(), clinicID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
