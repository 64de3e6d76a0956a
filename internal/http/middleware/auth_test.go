package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/noshow-platform/internal/tenancy"
)

func signedClinicToken(t *testing.T, secret, clinicID string, method jwt.SigningMethod, ttl time.Duration) string {
	t.Helper()
	claims := ClinicClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "staff-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		ClinicID: clinicID,
	}
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestClinicJWT(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		header string
		want   int
	}{
		{"auth disabled", "", "Bearer " + signedClinicToken(t, "s3cret", "clinic-1", jwt.SigningMethodHS256, time.Minute), http.StatusUnauthorized},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"not bearer", "s3cret", "Basic abc", http.StatusUnauthorized},
		{"wrong secret", "s3cret", "Bearer " + signedClinicToken(t, "other", "clinic-1", jwt.SigningMethodHS256, time.Minute), http.StatusUnauthorized},
		{"expired", "s3cret", "Bearer " + signedClinicToken(t, "s3cret", "clinic-1", jwt.SigningMethodHS256, -time.Minute), http.StatusUnauthorized},
		{"missing clinic", "s3cret", "Bearer " + signedClinicToken(t, "s3cret", " ", jwt.SigningMethodHS256, time.Minute), http.StatusUnauthorized},
		{"valid", "s3cret", "Bearer " + signedClinicToken(t, "s3cret", "clinic-1", jwt.SigningMethodHS384, time.Minute), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotClinic string
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotClinic, _ = tenancy.ClinicIDFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			})
			req := httptest.NewRequest(http.MethodGet, "/api/appointments", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			ClinicJWT(tt.secret)(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "clinic-1", gotClinic)
			} else {
				assert.JSONEq(t, `{"error":"Unauthorized"}`, rec.Body.String())
			}
		})
	}
}

func TestCronSecret(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		target string
		header string
		want   int
	}{
		{"query secret", "cron-s3cret", "/cron/no-shows?secret=cron-s3cret", "", http.StatusOK},
		{"bearer secret", "cron-s3cret", "/cron/no-shows", "Bearer cron-s3cret", http.StatusOK},
		{"wrong query falls back to header", "cron-s3cret", "/cron/no-shows?secret=nope", "Bearer cron-s3cret", http.StatusOK},
		{"wrong secret", "cron-s3cret", "/cron/no-shows?secret=nope", "", http.StatusUnauthorized},
		{"wrong bearer", "cron-s3cret", "/cron/no-shows", "Bearer nope", http.StatusUnauthorized},
		{"missing", "cron-s3cret", "/cron/no-shows", "", http.StatusUnauthorized},
		{"empty configured secret", "", "/cron/no-shows?secret=", "Bearer ", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			req := httptest.NewRequest(http.MethodPost, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			CronSecret(tt.secret)(okHandler(&called)).ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.want == http.StatusOK, called)
		})
	}
}
