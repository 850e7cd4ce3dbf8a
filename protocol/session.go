package protocol

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/controldeck/action"
	"github.com/hazyhaar/controldeck/shield"
)

// Sender delivers replies to the peer of a session. Implementations must be
// safe for concurrent use: control acks are sent from dispatch goroutines.
type Sender interface {
	Send(ctx context.Context, a *Ack) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, a *Ack) error

func (f SenderFunc) Send(ctx context.Context, a *Ack) error { return f(ctx, a) }

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID              string    `json:"sessionId"`
	ClientID        string    `json:"clientId"`
	Authenticated   bool      `json:"authenticated"`
	RemoteAddr      string    `json:"remoteAddr,omitempty"`
	ActiveProfileID string    `json:"activeProfileId,omitempty"`
	MappingsCount   int       `json:"mappingsCount"`
	Messages        int64     `json:"messages"`
	ConnectedAt     time.Time `json:"connectedAt"`
}

// Session is the server side of one connection. Its control states and
// mappings change only on its own message path; the mutex covers readers
// such as diagnostics.
type Session struct {
	ID            string
	ClientID      string
	Authenticated bool
	RemoteAddr    string
	ConnectedAt   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	sender Sender
	logger *slog.Logger
	window shield.Window
	wg     sync.WaitGroup

	messages atomic.Int64

	mu              sync.Mutex
	activeProfileID string
	controlStates   map[string]float64
	mappings        action.Mapping
	acks            ackCache
}

// Context is cancelled when the session closes. Dispatched actions run
// under it.
func (s *Session) Context() context.Context { return s.ctx }

// Logger carries session_id, client_id and remote_addr.
func (s *Session) Logger() *slog.Logger { return s.logger }

func (s *Session) send(a *Ack) {
	if s.ctx.Err() != nil {
		return
	}
	if err := s.sender.Send(s.ctx, a); err != nil {
		s.logger.Debug("protocol: send failed", "type", a.Type, "error", err)
	}
}

// ActiveProfileID returns the selected profile, "" before any selection.
func (s *Session) ActiveProfileID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeProfileID
}

// ControlState returns the last value received for a control.
func (s *Session) ControlState(controlID string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.controlStates[controlID]
	return v, ok
}

// ControlStates returns a copy of every control value.
func (s *Session) ControlStates() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.controlStates)
}

// MappingsCount is the number of mapped controls of the active profile.
func (s *Session) MappingsCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mappings)
}

// Info snapshots the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:              s.ID,
		ClientID:        s.ClientID,
		Authenticated:   s.Authenticated,
		RemoteAddr:      s.RemoteAddr,
		ActiveProfileID: s.activeProfileID,
		MappingsCount:   len(s.mappings),
		Messages:        s.messages.Load(),
		ConnectedAt:     s.ConnectedAt,
	}
}

func (s *Session) setControlState(controlID string, v float64) {
	s.mu.Lock()
	s.controlStates[controlID] = v
	s.mu.Unlock()
}

func (s *Session) mapping(controlID string) (action.Action, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.mappings[controlID]
	return a, ok
}

// activate replaces the mapping table wholesale. Control states survive only
// when reset is false.
func (s *Session) activate(profileID string, m action.Mapping, reset bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeProfileID = profileID
	s.mappings = m
	if reset {
		s.controlStates = make(map[string]float64)
	}
}

// claim registers messageID. dup is true when the id was seen before; ack is
// the reply already sent for it, or nil while that reply is pending.
func (s *Session) claim(messageID string) (ack *Ack, dup bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acks.claim(messageID)
}

func (s *Session) remember(messageID string, a *Ack) {
	s.mu.Lock()
	s.acks.settle(messageID, a)
	s.mu.Unlock()
}

// release forgets messageID so a retransmission is processed afresh.
func (s *Session) release(messageID string) {
	s.mu.Lock()
	s.acks.release(messageID)
	s.mu.Unlock()
}

// async runs fn on its own goroutine; close waits for it.
func (s *Session) async(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Session) close() {
	s.cancel()
	s.wg.Wait()
}

const ackCacheSize = 256

// ackCache remembers the replies to the last control message ids so a
// retransmitted message is answered without executing twice.
type ackCache struct {
	entries map[string]*Ack
	order   []string
}

func (c *ackCache) claim(id string) (*Ack, bool) {
	if c.entries == nil {
		c.entries = make(map[string]*Ack)
	}
	if a, ok := c.entries[id]; ok {
		return a, true
	}
	c.entries[id] = nil
	c.order = append(c.order, id)
	if len(c.order) > ackCacheSize {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
	return nil, false
}

func (c *ackCache) settle(id string, a *Ack) {
	if _, ok := c.entries[id]; ok {
		c.entries[id] = a
	}
}

func (c *ackCache) release(id string) {
	if _, ok := c.entries[id]; !ok {
		return
	}
	delete(c.entries, id)
	if i := slices.Index(c.order, id); i >= 0 {
		c.order = slices.Delete(c.order, i, i+1)
	}
}
