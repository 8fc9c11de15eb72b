package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionHeader lets non-browser clients name their session explicitly.
const SessionHeader = "X-Session-ID"

type sessionKey struct{}

// SessionConfig configures the browser session cookie.
type SessionConfig struct {
	CookieName string
	TTL        time.Duration
	Secure     bool
}

// Session resolves the checkout session of a request from the X-Session-ID
// header or the session cookie, issuing a fresh cookie when neither is set.
func Session(cfg SessionConfig) func(http.Handler) http.Handler {
	if cfg.CookieName == "" {
		cfg.CookieName = "checkout_session"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := strings.TrimSpace(r.Header.Get(SessionHeader))
			if sessionID == "" {
				if c, err := r.Cookie(cfg.CookieName); err == nil {
					sessionID = strings.TrimSpace(c.Value)
				}
			}
			if sessionID == "" {
				sessionID = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     cfg.CookieName,
					Value:    sessionID,
					Path:     "/",
					MaxAge:   int(cfg.TTL.Seconds()),
					HttpOnly: true,
					Secure:   cfg.Secure || r.TLS != nil,
					SameSite: http.SameSiteLaxMode,
				})
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sessionID)))
		})
	}
}

func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionFromContext returns the session id, or "" outside the Session
// middleware.
func SessionFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
