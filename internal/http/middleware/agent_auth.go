package middleware

import (
	"net/http"

	"github.com/wolfman30/clinic-inbox/internal/tenancy"
)

// AgentJWT enforces an HMAC-signed agent token and stores the tenant and
// user identity in the request context.
func AgentJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, `{"error": "agent auth disabled"}`, http.StatusUnauthorized)
				return
			}
			auth := r.Header.Get("Authorization")
			if auth == "" {
				http.Error(w, `{"error": "missing authorization header"}`, http.StatusUnauthorized)
				return
			}
			id, err := tenancy.ParseToken(secret, auth)
			if err != nil {
				http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(tenancy.WithIdentity(r.Context(), id)))
		})
	}
}
