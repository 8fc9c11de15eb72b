package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cassiomorais/checkoutsync/internal/auth"
	domainErrors "github.com/cassiomorais/checkoutsync/internal/domain/errors"
)

// RequireAuth rejects requests without a valid bearer token and stores the
// caller's identity on the request context.
func RequireAuth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := auth.ParseBearer(r.Header.Get("Authorization"), jwtSecret)
			if err != nil {
				if errors.Is(err, domainErrors.ErrMissingIdentity) {
					writeError(w, http.StatusUnauthorized, "missing authorization header", "auth_required")
					return
				}
				writeError(w, http.StatusUnauthorized, "invalid token", "auth_invalid")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

// OptionalAuth attaches the caller's identity when a valid bearer token is
// present. Anonymous requests pass through; a malformed token is rejected.
func OptionalAuth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			id, err := auth.ParseBearer(header, jwtSecret)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token", "auth_invalid")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": msg,
		"code":  code,
	})
}
