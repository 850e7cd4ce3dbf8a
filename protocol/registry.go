package protocol

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/controldeck/action"
	"github.com/hazyhaar/controldeck/idgen"
	"github.com/hazyhaar/controldeck/kit"
)

// Peer describes the connection a session is opened for.
type Peer struct {
	ClientID      string
	Authenticated bool
	RemoteAddr    string
}

// Registry tracks live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	total    atomic.Int64

	newSessionID idgen.Generator
	newClientID  idgen.Generator
	now          func() time.Time
	logger       *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger sessions derive theirs from.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithSessionIDs replaces the session id generator.
func WithSessionIDs(g idgen.Generator) RegistryOption {
	return func(r *Registry) { r.newSessionID = g }
}

// WithRegistryClock replaces time.Now.
func WithRegistryClock(fn func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = fn }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions:     make(map[string]*Session),
		newSessionID: idgen.Session,
		newClientID:  idgen.Client,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Open creates and registers a session. Its context derives from ctx and
// carries the session and client ids. A peer without a client id gets a
// generated one.
func (r *Registry) Open(ctx context.Context, peer Peer, sender Sender) *Session {
	id := r.newSessionID()
	clientID := peer.ClientID
	if clientID == "" {
		clientID = r.newClientID()
	}

	ctx = kit.WithSessionID(ctx, id)
	ctx = kit.WithClientID(ctx, clientID)
	if peer.RemoteAddr != "" {
		ctx = kit.WithRemoteAddr(ctx, peer.RemoteAddr)
	}
	sctx, cancel := context.WithCancel(ctx)

	s := &Session{
		ID:            id,
		ClientID:      clientID,
		Authenticated: peer.Authenticated,
		RemoteAddr:    peer.RemoteAddr,
		ConnectedAt:   r.now(),
		ctx:           sctx,
		cancel:        cancel,
		sender:        sender,
		logger:        r.logger.With("session_id", id, "client_id", clientID, "remote_addr", peer.RemoteAddr),
		controlStates: make(map[string]float64),
		mappings:      action.Mapping{},
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	r.total.Add(1)
	s.logger.Info("protocol: session opened", "authenticated", peer.Authenticated)
	return s
}

// Close cancels the session, waits for its pending acks to be abandoned and
// removes it. Closing twice is a no-op.
func (r *Registry) Close(s *Session) {
	r.mu.Lock()
	_, ok := r.sessions[s.ID]
	delete(r.sessions, s.ID)
	r.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	s.logger.Info("protocol: session closed",
		"messages", s.messages.Load(), "duration", r.now().Sub(s.ConnectedAt).String())
}

// CloseAll closes every session.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()
	for _, s := range all {
		r.Close(s)
	}
}

// Get returns a live session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len is the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Total counts every session ever opened.
func (r *Registry) Total() int64 { return r.total.Load() }

// List snapshots live sessions, oldest first.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.ConnectedAt.Compare(b.ConnectedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
