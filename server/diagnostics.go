package server

import (
	"net/http"

	"github.com/hazyhaar/controldeck/auth"
	"github.com/hazyhaar/controldeck/dispatch"
	"github.com/hazyhaar/controldeck/executor"
	"github.com/hazyhaar/controldeck/observability"
	"github.com/hazyhaar/controldeck/protocol"
	"github.com/hazyhaar/controldeck/shield"
)

// Diagnostics is the body of GET /diagnostics.
type Diagnostics struct {
	Status                     string                           `json:"status"`
	UptimeSeconds              int64                            `json:"uptimeSeconds"`
	ActiveWebsocketConnections int                              `json:"activeWebsocketConnections"`
	TotalConnections           int64                            `json:"totalConnections"`
	Sessions                   []protocol.SessionInfo           `json:"sessions"`
	Plugins                    []executor.Info                  `json:"plugins"`
	Tokens                     *auth.TokenStats                 `json:"tokens,omitempty"`
	RateLimiter                map[string]shield.Stats          `json:"rateLimiter"`
	ActionQueue                *dispatch.Status                 `json:"actionQueue,omitempty"`
	Performance                *observability.PerformanceReport `json:"performance,omitempty"`
	Runtime                    observability.RuntimeMetrics     `json:"runtime"`
}

// Diagnostics snapshots every component.
func (s *Server) Diagnostics(r *http.Request) Diagnostics {
	d := Diagnostics{
		Status:                     "ok",
		UptimeSeconds:              int64(s.now().Sub(s.started).Seconds()),
		ActiveWebsocketConnections: s.d.Sessions.Len(),
		TotalConnections:           s.d.Sessions.Total(),
		Sessions:                   s.d.Sessions.List(),
		Plugins:                    []executor.Info{},
		RateLimiter: map[string]shield.Stats{
			shield.ScopeIP:     s.d.Limiter.Stats(shield.ScopeIP),
			shield.ScopeClient: s.d.Limiter.Stats(shield.ScopeClient),
			shield.ScopeAction: s.d.Limiter.Stats(shield.ScopeAction),
		},
		Runtime: observability.CollectRuntimeMetrics(),
	}
	if s.d.Plugins != nil {
		d.Plugins = append(d.Plugins, s.d.Plugins.Plugins()...)
	}
	if ts, err := s.d.Tokens.Stats(r.Context()); err == nil {
		d.Tokens = &ts
	} else {
		shield.GetLogger(r.Context()).Warn("diagnostics: token stats unavailable", "error", err)
		d.Status = "degraded"
	}
	if s.d.Queue != nil {
		st := s.d.Queue.Status()
		d.ActionQueue = &st
	}
	if s.d.Perf != nil {
		rep := s.d.Perf.Report()
		d.Performance = &rep
	}
	return d
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Diagnostics(r))
}
