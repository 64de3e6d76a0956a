package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/noshow-platform/internal/tenancy"
)

// ClinicClaims are the claims of a staff token. The clinic id is the tenant
// every API call is scoped to.
type ClinicClaims struct {
	jwt.RegisteredClaims
	ClinicID string `json:"clinic_id"`
}

// ClinicJWT validates an HMAC-signed staff token and stores its clinic id in the
// request context. An empty secret rejects every request.
func ClinicJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				unauthorized(w)
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				unauthorized(w)
				return
			}
			claims := &ClinicClaims{}
			token, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid || strings.TrimSpace(claims.ClinicID) == "" {
				unauthorized(w)
				return
			}
			ctx := tenancy.WithClinicID(r.Context(), strings.TrimSpace(claims.ClinicID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
}
