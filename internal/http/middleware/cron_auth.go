package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// CronSecret guards scheduler endpoints with a shared secret, accepted as the
// secret query parameter or as a bearer token. An empty secret rejects every
// request.
func CronSecret(secret string) func(http.Handler) http.Handler {
	secret = strings.TrimSpace(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" || !cronAuthorized(r, secret) {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func cronAuthorized(r *http.Request, secret string) bool {
	if q := r.URL.Query().Get("secret"); q != "" && secretEqual(q, secret) {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return secretEqual(strings.TrimPrefix(auth, "Bearer "), secret)
	}
	return false
}

func secretEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
