package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/hazyhaar/controldeck/kit"
)

type infoKey struct{}

// BearerToken returns the token of an "Authorization: Bearer" header, or "".
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// RequestToken returns the bearer token, falling back to the "token" query
// parameter used by WebSocket clients that cannot set headers.
func RequestToken(r *http.Request) string {
	if tok := BearerToken(r); tok != "" {
		return tok
	}
	return r.URL.Query().Get("token")
}

// Middleware validates the request token when one is present and injects
// the TokenInfo and client id into the context. Requests without a valid
// token pass through untouched: use Require to enforce.
func (m *TokenManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := RequestToken(r)
		if tok == "" {
			next.ServeHTTP(w, r)
			return
		}
		info, err := m.Validate(r.Context(), tok)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), infoKey{}, info)
		if info.ClientID != "" {
			ctx = kit.WithClientID(ctx, info.ClientID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Require rejects with 401 the requests that carry no valid token while
// AuthRequired holds. Place it after Middleware.
func (m *TokenManager) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetInfo(r.Context()) == nil && m.AuthRequired(r.Context()) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="controldeck"`)
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetInfo returns the TokenInfo injected by Middleware, or nil.
func GetInfo(ctx context.Context) *TokenInfo {
	info, _ := ctx.Value(infoKey{}).(*TokenInfo)
	return info
}
