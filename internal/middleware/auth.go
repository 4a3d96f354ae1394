package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/fleetboot/discovery/internal/auth"
)

// AdminAuth requires "Authorization: Bearer <token>" where token is the static admin token
// or a session issued by POST /admin/session. Without a configured admin token every
// request is refused with 403.
func AdminAuth(tokens *auth.AdminTokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !tokens.Enabled() {
				respondWithError(w, http.StatusForbidden, "admin API disabled")
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				respondWithError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			token := strings.TrimSpace(parts[1])
			if err := tokens.Verify(token); err != nil {
				if errors.Is(err, auth.ErrAdminDisabled) {
					respondWithError(w, http.StatusForbidden, "admin API disabled")
					return
				}
				respondWithError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   message,
	})
}
