// Package server exposes the deck over HTTP: the /ws protocol endpoint and
// the JSON API for pairing, tokens, profiles, plugins and diagnostics.
//
// The server owns no domain state. It is handed the protocol engine, the
// session registry and the other components, all built and closed by the
// caller:
//
//	srv, err := server.New(cfg, server.Deps{Engine: eng, Sessions: reg, ...})
//	httpSrv := &http.Server{Addr: cfg.Addr, Handler: srv.Router()}
//	...
//	srv.Close() // ends every WebSocket session
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/controldeck/auth"
	"github.com/hazyhaar/controldeck/dispatch"
	"github.com/hazyhaar/controldeck/executor"
	"github.com/hazyhaar/controldeck/observability"
	"github.com/hazyhaar/controldeck/profiles"
	"github.com/hazyhaar/controldeck/protocol"
	"github.com/hazyhaar/controldeck/shield"
)

// Version is reported by /discovery.
const Version = "1.0.0"

// Config is the network identity and WebSocket settings of the server.
type Config struct {
	ServerID     string
	ServerName   string
	Port         int
	TLS          bool
	WSPath       string   // default "/ws"
	ReadLimit    int64    // max inbound frame size, default 64 KiB
	AllowOrigins []string // extra origins allowed to open /ws
	WriteTimeout time.Duration
}

func (c *Config) defaults() {
	if c.WSPath == "" {
		c.WSPath = "/ws"
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 * 1024
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ServerName == "" {
		c.ServerName = "Control Deck"
	}
}

func (c *Config) protocol() string {
	if c.TLS {
		return "wss"
	}
	return "ws"
}

// Auditor records security-relevant events. *observability.AuditLogger
// implements it.
type Auditor interface {
	RecordAuth(ctx context.Context, op, clientID string, err error)
	RecordAccess(ctx context.Context, remoteAddr, target string, allowed bool, reason string)
	RecordPlugin(ctx context.Context, name, op string, err error)
}

type nopAuditor struct{}

func (nopAuditor) RecordAuth(context.Context, string, string, error)          {}
func (nopAuditor) RecordAccess(context.Context, string, string, bool, string) {}
func (nopAuditor) RecordPlugin(context.Context, string, string, error)        {}

// Deps are the components the server routes to. Engine, Sessions, Profiles,
// Tokens and Limiter are required.
type Deps struct {
	Engine    *protocol.Engine
	Sessions  *protocol.Registry
	Profiles  *profiles.Synchronizer
	Validator profiles.Validator
	Queue     *dispatch.Queue
	Plugins   *executor.Registry
	Limiter   *shield.Limiter
	Tokens    *auth.TokenManager
	Pairing   *auth.Pairing
	Handshake *auth.Handshake
	Audit     Auditor
	Perf      *observability.Performance
}

// Server serves the deck HTTP surface.
type Server struct {
	cfg     Config
	d       Deps
	logger  *slog.Logger
	now     func() time.Time
	started time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(s *Server) { s.now = fn }
}

// New validates deps and returns a server.
func New(cfg Config, d Deps, opts ...Option) (*Server, error) {
	switch {
	case d.Engine == nil:
		return nil, errors.New("server: engine required")
	case d.Sessions == nil:
		return nil, errors.New("server: session registry required")
	case d.Profiles == nil:
		return nil, errors.New("server: profile synchronizer required")
	case d.Tokens == nil:
		return nil, errors.New("server: token manager required")
	case d.Limiter == nil:
		return nil, errors.New("server: limiter required")
	}
	if d.Audit == nil {
		d.Audit = nopAuditor{}
	}
	if d.Pairing == nil {
		d.Pairing = auth.NewPairing()
	}
	cfg.defaults()

	s := &Server{
		cfg:    cfg,
		d:      d,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.started = s.now()
	return s, nil
}

// Router builds the chi router. Every route except the WebSocket upgrade
// is limited per client IP.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	headers := shield.DefaultHeaders()
	headers.AllowOrigins = s.cfg.AllowOrigins
	for _, mw := range shield.DefaultStack(s.d.Limiter, s.logger, headers, s.cfg.WSPath) {
		r.Use(mw)
	}
	r.Use(s.d.Tokens.Middleware)

	r.Get(s.cfg.WSPath, s.handleWS)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/discovery", s.handleDiscovery)

	r.Post("/handshake", s.handleHandshake)
	r.Post("/handshake/revoke", s.handleHandshakeRevoke)
	r.Get("/tokens/info", s.handleTokenInfo)
	r.Post("/tokens/rotate", s.handleTokenRotate)
	r.Post("/tokens/revoke", s.handleTokenRevoke)

	r.Route("/pairing", func(r chi.Router) {
		r.Post("/request", s.handlePairingRequest)
		r.Post("/confirm", s.handlePairingConfirm)
		r.With(s.d.Tokens.Require).Get("/servers", s.handlePairedServers)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.d.Tokens.Require)

		r.Route("/profiles", func(r chi.Router) {
			r.Get("/", s.handleListProfiles)
			r.Get("/{id}", s.handleGetProfile)
			r.Post("/{id}", s.handleSaveProfile)
			r.Delete("/{id}", s.handleDeleteProfile)
		})
		r.Route("/plugins", func(r chi.Router) {
			r.Get("/", s.handleListPlugins)
			r.Post("/{name}/enable", s.handlePluginToggle(true))
			r.Post("/{name}/disable", s.handlePluginToggle(false))
		})
		r.Get("/diagnostics", s.handleDiagnostics)
	})
	return r
}

// Close ends every WebSocket session. Call it after http.Server.Shutdown,
// which does not wait for hijacked connections.
func (s *Server) Close() {
	s.d.Sessions.CloseAll()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
