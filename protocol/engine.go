// Package protocol is the server half of the deck protocol: it validates and
// routes every inbound frame of a session and produces its acknowledgement.
//
// Frames of one session are handled strictly in order by the connection's
// goroutine. Control messages are limited per connection and per action,
// then handed to the dispatch queue; their ack is sent when the action
// settles, so a slow action never blocks the frames behind it. Profile
// messages go through the profile synchronizer and are acked inline.
//
//	reg := protocol.NewRegistry()
//	eng := protocol.NewEngine(sync, queue, executors, limiter)
//	s := reg.Open(ctx, protocol.Peer{RemoteAddr: addr}, sender)
//	defer reg.Close(s)
//	for frame := range frames {
//	    eng.HandleFrame(s, frame)
//	}
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/hazyhaar/controldeck/action"
	"github.com/hazyhaar/controldeck/dispatch"
	"github.com/hazyhaar/controldeck/profiles"
	"github.com/hazyhaar/controldeck/shield"
)

// Executor runs a resolved action. *executor.Registry satisfies it.
type Executor interface {
	Execute(ctx context.Context, a action.Action) (json.RawMessage, error)
}

// ControlEvent describes the outcome of one control message.
type ControlEvent struct {
	SessionID string
	ClientID  string
	ControlID string
	ActionID  string
	Value     float64
	Status    string
	Error     string
	Latency   time.Duration
}

// ProfileEvent describes a profile selection or update.
type ProfileEvent struct {
	SessionID       string
	ClientID        string
	Op              string // "select", "update"
	ProfileID       string
	Version         int
	Conflict        bool
	PreviousVersion *int
	MappingsCount   int
	Error           string
}

// Recorder receives protocol events for the audit trail.
type Recorder interface {
	RecordControl(ctx context.Context, ev ControlEvent)
	RecordProfile(ctx context.Context, ev ProfileEvent)
}

// MessageObserver receives the handling time of each inbound frame.
type MessageObserver interface {
	ObserveMessage(kind string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordControl(context.Context, ControlEvent) {}
func (nopRecorder) RecordProfile(context.Context, ProfileEvent) {}

// Engine routes frames. It holds no per-session state; that lives in
// Session. One Engine serves every session.
type Engine struct {
	profiles  *profiles.Synchronizer
	queue     *dispatch.Queue
	exec      Executor
	limiter   *shield.Limiter
	validator profiles.Validator
	recorder  Recorder
	observer  MessageObserver
	logger    *slog.Logger
	now       func() time.Time

	connMax       int
	connWindow    time.Duration
	actionTimeout time.Duration

	globalMu sync.RWMutex
	global   action.Mapping
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for engine-level events.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces time.Now for receivedAt, processedAt and the
// connection window.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.now = fn }
}

// WithValidator sets the profile validator used by profile:update. Passing
// nil makes every update fail with "profile validator unavailable".
func WithValidator(v profiles.Validator) Option {
	return func(e *Engine) { e.validator = v }
}

// WithRecorder sets the audit sink.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithMessageObserver reports the handling time of every frame.
func WithMessageObserver(o MessageObserver) Option {
	return func(e *Engine) { e.observer = o }
}

// WithConnectionLimit caps non-heartbeat frames per connection. Default: 15
// per second.
func WithConnectionLimit(max int, window time.Duration) Option {
	return func(e *Engine) {
		if max > 0 && window > 0 {
			e.connMax, e.connWindow = max, window
		}
	}
}

// WithActionTimeout overrides the queue's default timeout for control
// actions. 0 keeps the queue default.
func WithActionTimeout(d time.Duration) Option {
	return func(e *Engine) { e.actionTimeout = d }
}

// WithGlobalMappings sets the fallback table consulted when the active
// profile does not map a control.
func WithGlobalMappings(m action.Mapping) Option {
	return func(e *Engine) { e.global = maps.Clone(m) }
}

// NewEngine wires the engine to its collaborators.
func NewEngine(sync *profiles.Synchronizer, q *dispatch.Queue, exec Executor, limiter *shield.Limiter, opts ...Option) *Engine {
	e := &Engine{
		profiles:   sync,
		queue:      q,
		exec:       exec,
		limiter:    limiter,
		validator:  profiles.Validate,
		recorder:   nopRecorder{},
		logger:     slog.Default(),
		now:        time.Now,
		connMax:    15,
		connWindow: time.Second,
		global:     action.Mapping{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetGlobalMappings replaces the fallback table.
func (e *Engine) SetGlobalMappings(m action.Mapping) {
	e.globalMu.Lock()
	e.global = maps.Clone(m)
	e.globalMu.Unlock()
	e.logger.Info("protocol: global mappings replaced", "count", len(m))
}

func (e *Engine) globalMapping(controlID string) (action.Action, bool) {
	e.globalMu.RLock()
	defer e.globalMu.RUnlock()
	a, ok := e.global[controlID]
	return a, ok
}

// HandleFrame processes one inbound text frame. Every frame except the
// heartbeat produces exactly one reply on s, possibly after the frame's
// action settles.
func (e *Engine) HandleFrame(s *Session, data []byte) {
	if e.observer == nil {
		e.handleFrame(s, data)
		return
	}
	start := time.Now()
	kind := e.handleFrame(s, data)
	e.observer.ObserveMessage(kind, time.Since(start))
}

// handleFrame returns the frame kind for observation: the message kind, or
// "heartbeat", "rate_limited" or "invalid".
func (e *Engine) handleFrame(s *Session, data []byte) string {
	now := e.now()
	receivedAt := now.UnixMilli()

	if string(data) == Heartbeat {
		s.send(&Ack{Type: TypeAck, Status: StatusOK, ReceivedAt: receivedAt})
		return "heartbeat"
	}
	s.messages.Add(1)

	f, perr := parseFrame(data)

	if res := s.window.Allow(now, e.connMax, e.connWindow); !res.Allowed {
		s.logger.Warn("protocol: connection rate limit exceeded")
		ack := &Ack{Type: TypeAck, Status: StatusError, Error: ErrTextRateLimited, ReceivedAt: receivedAt}
		if f != nil {
			ack.MessageID = f.messageID()
		}
		s.send(ack)
		return "rate_limited"
	}

	if perr != nil {
		s.logger.Warn("protocol: unparseable frame", "error", perr)
		s.send(&Ack{Type: TypeAck, Status: StatusError, Error: ErrTextInvalidPayload, ReceivedAt: receivedAt})
		return "invalid"
	}

	kind, ok := f.kind()
	if !ok {
		s.send(&Ack{Type: TypeAck, MessageID: f.messageID(), Status: StatusError, Error: ErrTextInvalidPayload, ReceivedAt: receivedAt})
		return "invalid"
	}

	switch kind {
	case KindControl:
		e.handleControl(s, f, now)
	case KindProfileSelect:
		e.handleSelect(s, f, receivedAt)
	case KindProfileUpdate:
		e.handleUpdate(s, f, receivedAt)
	default:
		s.logger.Debug("protocol: unknown kind", "kind", kind)
		s.send(&Ack{Type: TypeError, MessageID: f.messageID(), Error: ErrTextUnknownKind, Kind: kind})
	}
	return kind
}

func (e *Engine) handleControl(s *Session, f *frame, received time.Time) {
	receivedAt := received.UnixMilli()
	msg, err := f.control()
	if err != nil {
		s.logger.Warn("protocol: control rejected by schema", "error", err)
		s.send(&Ack{Type: TypeAck, MessageID: f.messageID(), Status: StatusError, Error: ErrTextInvalidPayload, ReceivedAt: receivedAt})
		return
	}

	if prev, dup := s.claim(msg.MessageID); dup {
		if prev != nil {
			s.logger.Debug("protocol: duplicate message, replaying ack", "message_id", msg.MessageID)
			s.send(prev)
		} else {
			s.logger.Debug("protocol: duplicate message still in flight", "message_id", msg.MessageID)
		}
		return
	}

	ack := &Ack{Type: TypeAck, MessageID: msg.MessageID, ControlID: msg.ControlID, ReceivedAt: receivedAt}
	ev := ControlEvent{SessionID: s.ID, ClientID: s.ClientID, ControlID: msg.ControlID, Value: msg.Value}
	// Rejections that executed nothing are not cached: the client may retry
	// the same messageId once the limit clears.
	reply := func(a *Ack, retryable bool) {
		if retryable {
			s.release(msg.MessageID)
		} else {
			s.remember(msg.MessageID, a)
		}
		s.send(a)
		ev.Status, ev.Error = a.Status, a.Error
		ev.Latency = e.now().Sub(received)
		e.recorder.RecordControl(s.ctx, ev)
	}

	s.setControlState(msg.ControlID, msg.Value)

	act, ok := s.mapping(msg.ControlID)
	if !ok {
		act, ok = e.globalMapping(msg.ControlID)
	}
	if !ok {
		s.logger.Debug("protocol: no mapping", "control_id", msg.ControlID, "profile_id", s.ActiveProfileID())
		ack.Status, ack.Error = StatusIgnored, ErrTextNoMapping
		reply(ack, false)
		return
	}
	ev.ActionID = act.ID()

	if res := e.limiter.Check(shield.ScopeAction, act.ID()+":"+msg.ControlID); !res.Allowed {
		s.logger.Warn("protocol: action rate limit exceeded", "action", act.ID(), "control_id", msg.ControlID)
		ack.Status, ack.Error, ack.RetryAfter = StatusError, ErrTextActionRateLimited, res.RetryAfter
		reply(ack, true)
		return
	}

	act = act.WithPayload(dispatch.Transform(act.ID(), act.Payload(), msg.Value))
	task := func(ctx context.Context) (json.RawMessage, error) {
		return e.exec.Execute(ctx, act)
	}
	fut, err := e.queue.Enqueue(s.ctx, task, 0, e.actionTimeout)
	if err != nil {
		ack.Status, ack.Error, ack.ProcessedAt = StatusError, ErrTextQueueClosed, e.now().UnixMilli()
		reply(ack, true)
		return
	}

	s.async(func() {
		select {
		case <-fut.Done():
		case <-s.ctx.Done():
			return
		}
		_, err := fut.Wait(context.Background())
		ack.ProcessedAt = e.now().UnixMilli()
		if err != nil {
			ack.Status, ack.Error = StatusError, err.Error()
		} else {
			ack.Status = StatusOK
		}
		reply(ack, false)
	})
}

func (e *Engine) handleSelect(s *Session, f *frame, receivedAt int64) {
	msg, err := f.selectProfile()
	if err != nil {
		s.logger.Warn("protocol: profile selection rejected by schema", "error", err)
		s.send(&Ack{Type: TypeSelectAck, MessageID: f.messageID(), Status: StatusError, Error: ErrTextInvalidPayload, ReceivedAt: receivedAt})
		return
	}
	ack := &Ack{Type: TypeSelectAck, MessageID: msg.MessageID, ProfileID: msg.ProfileID, ReceivedAt: receivedAt}
	ev := ProfileEvent{SessionID: s.ID, ClientID: s.ClientID, Op: "select", ProfileID: msg.ProfileID}

	incoming := e.incomingProfile(s, msg)
	p, err := e.profiles.Resolve(s.ctx, msg.ProfileID, incoming, s.ClientID)
	if err != nil {
		var nf *profiles.ErrProfileNotFound
		if errors.As(err, &nf) {
			ack.Error = ErrTextProfileNotFound
		} else {
			s.logger.Error("protocol: profile resolve failed", "profile_id", msg.ProfileID, "error", err)
			ack.Error = ErrTextProfileStoreFailure
		}
		ack.Status = StatusError
		s.send(ack)
		ev.Error = ack.Error
		e.recorder.RecordProfile(s.ctx, ev)
		return
	}

	m := e.profiles.DeriveMappings(p)
	s.activate(msg.ProfileID, m, msg.ResetState == nil || *msg.ResetState)
	count := len(m)
	s.logger.Info("protocol: profile activated", "profile_id", p.ID, "version", p.Version, "mappings", count)

	ack.Status, ack.Profile, ack.MappingsCount = StatusOK, p, &count
	s.send(ack)
	ev.Version, ev.MappingsCount = p.Version, count
	e.recorder.RecordProfile(s.ctx, ev)
}

// incomingProfile decodes the client's copy. A copy that does not decode or
// validate is dropped and the stored one is used.
func (e *Engine) incomingProfile(s *Session, msg *SelectMessage) *profiles.Profile {
	if len(msg.Profile) == 0 {
		return nil
	}
	var p profiles.Profile
	if err := json.Unmarshal(msg.Profile, &p); err != nil {
		s.logger.Warn("protocol: client profile ignored", "profile_id", msg.ProfileID, "error", err)
		return nil
	}
	if e.validator != nil {
		if err := e.validator(&p); err != nil {
			s.logger.Warn("protocol: client profile ignored", "profile_id", msg.ProfileID, "error", err)
			return nil
		}
	}
	return &p
}

func (e *Engine) handleUpdate(s *Session, f *frame, receivedAt int64) {
	ack := &Ack{Type: TypeUpdateAck, MessageID: f.messageID(), ReceivedAt: receivedAt}
	if e.validator == nil {
		s.logger.Error("protocol: profile validator unavailable, update refused")
		ack.Status, ack.Error = StatusError, ErrTextValidatorMissing
		s.send(ack)
		return
	}

	msg, err := f.updateProfile()
	if err != nil {
		s.logger.Warn("protocol: profile update rejected by schema", "error", err)
		ack.Status, ack.Error = StatusError, ErrTextInvalidProfile
		ack.Details = []string{err.Error()}
		s.send(ack)
		return
	}
	var p profiles.Profile
	if err := json.Unmarshal(msg.Profile, &p); err != nil {
		ack.Status, ack.Error, ack.Details = StatusError, ErrTextInvalidProfile, []string{err.Error()}
		s.send(ack)
		return
	}
	if err := e.validator(&p); err != nil {
		s.logger.Warn("protocol: invalid profile", "profile_id", p.ID, "error", err)
		ack.Status, ack.Error, ack.Details = StatusError, ErrTextInvalidProfile, profiles.Details(err)
		ack.ProfileID = p.ID
		s.send(ack)
		return
	}

	res, err := e.profiles.Save(s.ctx, &p, "websocket", s.ClientID)
	if err != nil {
		s.logger.Error("protocol: profile save failed", "profile_id", p.ID, "error", err)
		ack.Status, ack.Error, ack.ProfileID = StatusError, ErrTextProfileStoreFailure, p.ID
		s.send(ack)
		return
	}

	version, conflict := res.Profile.Version, res.Conflict
	ack.Status = StatusOK
	ack.ProfileID = res.Profile.ID
	ack.Version = &version
	ack.Conflict = &conflict
	ack.PreviousVersion = res.PreviousVersion
	s.send(ack)

	e.recorder.RecordProfile(s.ctx, ProfileEvent{
		SessionID: s.ID, ClientID: s.ClientID, Op: "update", ProfileID: res.Profile.ID,
		Version: version, Conflict: conflict, PreviousVersion: res.PreviousVersion,
	})
}
