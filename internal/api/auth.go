package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const unauthorizedMsg = "未授权：请在请求头中提供有效的 Authorization: Bearer <API_KEY>"

// BearerAuth requires "Authorization: Bearer <token>". An empty token
// disables the check.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				httpError(w, http.StatusUnauthorized, "authentication_error", "%s", unauthorizedMsg)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
