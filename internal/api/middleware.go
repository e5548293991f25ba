package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"console-jobs/internal/authcache"
	"console-jobs/internal/telemetry"
)

type contextKey string

const identityKey contextKey = "identity"

// identityFrom returns the authenticated caller set by the auth middleware.
func identityFrom(r *http.Request) (authcache.Identity, bool) {
	id, ok := r.Context().Value(identityKey).(authcache.Identity)
	return id, ok
}

// authenticate validates the bearer token through the auth cache and stores
// the resolved identity on the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		id, err := s.auth.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, authcache.ErrUnauthorized) {
				writeError(w, http.StatusUnauthorized, "invalid or missing credentials")
				return
			}
			writeError(w, http.StatusInternalServerError, "credential check failed")
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimit guards mutating routes with the fixed-window limiter, keyed by
// (caller, route pattern) so /jobs/{id} shares one window across ids.
// Rejections carry Retry-After; they are never dropped silently.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		subject := "anonymous"
		if id, ok := identityFrom(r); ok {
			subject = id.Subject
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		key := fmt.Sprintf("%s:%s", subject, route)

		decision, err := s.limiter.Allow(r.Context(), key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit check failed")
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.limiter.Limit()))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			retryAfter := int(decision.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireScope rejects callers whose permission set lacks the scope.
func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := identityFrom(r)
			if !ok || !id.HasScope(scope) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
