// Package shield holds the admission controls of the deck server: the
// sliding-window Limiter shared by the WebSocket protocol and the HTTP API,
// and the HTTP middleware stack (security headers, body cap, trace ids,
// per-IP limiting).
//
//	l := shield.NewLimiter()
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack(l, logger, shield.DefaultHeaders()) {
//	    r.Use(mw)
//	}
package shield

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// DefaultStack returns the middleware applied to the HTTP API, outermost
// first: TraceID, SecurityHeaders(headers), MaxJSONBody(512 KiB), per-IP
// limiting.
// The WebSocket upgrade path is excluded from the IP limiter because each
// frame is limited by the protocol engine instead.
func DefaultStack(l *Limiter, logger *slog.Logger, headers HeaderConfig, excludePrefixes ...string) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		TraceID(logger),
		SecurityHeaders(headers),
		MaxJSONBody(512 * 1024),
		l.Middleware(ScopeIP, excludePrefixes...),
	}
}

// Middleware limits requests per client IP in the given scope. Blocked
// requests get 429 with a JSON body and a Retry-After header.
func (l *Limiter) Middleware(scope string, excludePrefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range excludePrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			ip := ExtractIP(r)
			res := l.Check(scope, ip)
			if res.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			GetLogger(r.Context()).Warn("ratelimit: request blocked", "ip", ip, "scope", scope)
			w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"error":      "Too many requests",
				"retryAfter": res.RetryAfter,
			})
		})
	}
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
