package shield

import (
	"net/http"
	"slices"
	"strings"
)

// HeaderConfig defines the headers applied to every API response.
type HeaderConfig struct {
	CSP                 string
	XFrameOptions       string
	XContentTypeOptions string
	ReferrerPolicy      string
	CacheControl        string

	// AllowOrigins lists the browser origins (the web deck) allowed to call
	// the API cross-origin. "*" allows any origin. Empty disables CORS.
	AllowOrigins []string
}

// DefaultHeaders suits a JSON-only API: nothing is embeddable or scriptable.
func DefaultHeaders() HeaderConfig {
	return HeaderConfig{
		CSP:                 "default-src 'none'; frame-ancestors 'none'",
		XFrameOptions:       "DENY",
		XContentTypeOptions: "nosniff",
		ReferrerPolicy:      "no-referrer",
		CacheControl:        "no-store",
	}
}

func (c HeaderConfig) allowed(origin string) bool {
	if origin == "" {
		return false
	}
	return slices.ContainsFunc(c.AllowOrigins, func(o string) bool {
		return o == "*" || strings.EqualFold(o, origin)
	})
}

// SecurityHeaders returns middleware that sets the configured headers and
// answers CORS preflights from allowed origins with 204.
func SecurityHeaders(cfg HeaderConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for k, v := range map[string]string{
				"X-Content-Type-Options":  cfg.XContentTypeOptions,
				"X-Frame-Options":         cfg.XFrameOptions,
				"Referrer-Policy":         cfg.ReferrerPolicy,
				"Content-Security-Policy": cfg.CSP,
				"Cache-Control":           cfg.CacheControl,
			} {
				if v != "" {
					h.Set(k, v)
				}
			}

			origin := r.Header.Get("Origin")
			if !cfg.allowed(origin) {
				next.ServeHTTP(w, r)
				return
			}
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
