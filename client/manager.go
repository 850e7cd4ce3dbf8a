// Package client is the device side of the deck protocol: a connection
// manager that keeps one WebSocket open with heartbeats and exponential
// reconnect, and a tracker that correlates acks with the requests that
// caused them.
//
//	m := client.New(client.WithLogger(logger))
//	m.Connect(ctx, "ws://host:4455/ws", header)
//	if err := m.Ready(ctx); err != nil { ... }
//	p, _ := m.SendControl(ctx, "btn_save", "button", 1, nil)
//	ack, err := p.Wait(ctx)
//	...
//	m.Disconnect()
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hazyhaar/controldeck/idgen"
	"github.com/hazyhaar/controldeck/profiles"
	"github.com/hazyhaar/controldeck/protocol"
)

// Close codes that end the connection for good.
const (
	CloseNormal       = 1000
	CloseInvalidToken = 4001
)

// State is the connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config holds the timing parameters. Zero fields take the defaults.
type Config struct {
	HeartbeatInterval time.Duration // default 15s
	BaseDelay         time.Duration // default 1s
	MaxDelay          time.Duration // default 30s
	MaxAttempts       int           // default 6
	AckTimeout        time.Duration // default 5s
	DialTimeout       time.Duration // default 10s
}

func (c *Config) defaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 6
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// Backoff returns the delay before reconnect attempt n (0-based):
// BaseDelay*2^n capped at MaxDelay.
func (c Config) Backoff(n int) time.Duration {
	d := c.BaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	return min(d, c.MaxDelay)
}

// Metrics is a snapshot of the connection and ack counters.
type Metrics struct {
	HeartbeatCount     int64         `json:"heartbeatCount"`
	ReconnectCount     int64         `json:"reconnectCount"`
	LastReconnectDelay time.Duration `json:"lastReconnectDelay"`
	AckCount           int64         `json:"ackCount"`
	LastAckLatency     time.Duration `json:"lastAckLatency"`
	AverageAckLatency  time.Duration `json:"averageAckLatency"`
	DroppedAcks        int64         `json:"droppedAcks"`
	LateAcks           int64         `json:"lateAcks"`
	InFlight           int           `json:"inFlight"`
}

// Manager owns one logical connection to a deck server.
//
// Callbacks registered with OnStateChange, OnAuthFailure and OnMessage run
// one at a time, in order, on a delivery goroutine that Disconnect does not
// wait for. They may call any Manager method, Disconnect included.
type Manager struct {
	cfg     Config
	clock   Clock
	dialer  Dialer
	logger  *slog.Logger
	newID   idgen.Generator
	tracker *Tracker

	onState   func(from, to State)
	onAuth    func(error)
	onMessage func(*protocol.Ack)

	mu        sync.Mutex
	state     State
	changed   chan struct{}
	gen       uint64
	attempt   int
	url       string
	header    http.Header
	parent    context.Context
	cancel    context.CancelFunc
	conn      Conn
	heartbeat Timer
	retry     Timer
	err       error

	heartbeats     int64
	reconnects     int64
	lastRetryDelay time.Duration

	wg sync.WaitGroup

	cbMu       sync.Mutex
	callbacks  []func()
	delivering bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig sets the timing parameters.
func WithConfig(c Config) Option {
	return func(m *Manager) { m.cfg = c }
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithIDGenerator sets the messageId generator. Default idgen.Message.
func WithIDGenerator(g idgen.Generator) Option {
	return func(m *Manager) { m.newID = g }
}

// OnStateChange registers a callback for every transition.
func OnStateChange(fn func(from, to State)) Option {
	return func(m *Manager) { m.onState = fn }
}

// OnAuthFailure registers a callback fired when the server rejects the
// credentials. Reconnection stops; callers usually clear the stored token.
func OnAuthFailure(fn func(error)) Option {
	return func(m *Manager) { m.onAuth = fn }
}

// OnMessage registers a callback for every frame that is not a plain
// control ack: profile acks and error replies.
func OnMessage(fn func(*protocol.Ack)) Option {
	return func(m *Manager) { m.onMessage = fn }
}

// New returns an idle manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		clock:   RealClock,
		dialer:  WSDialer{},
		logger:  slog.Default(),
		newID:   idgen.Message,
		changed: make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.cfg.defaults()
	m.tracker = NewTracker(m.clock, m.cfg.AckTimeout)
	return m
}

// events collects work to run once m.mu is released: internal steps run
// inline, user callbacks go to the delivery goroutine.
type events struct {
	inline []func()
	user   []func()
}

func (m *Manager) flush(ev *events) {
	for _, f := range ev.inline {
		f()
	}
	m.deliver(ev.user...)
}

// deliver queues fns for the delivery goroutine, starting it if idle.
func (m *Manager) deliver(fns ...func()) {
	if len(fns) == 0 {
		return
	}
	m.cbMu.Lock()
	m.callbacks = append(m.callbacks, fns...)
	if m.delivering {
		m.cbMu.Unlock()
		return
	}
	m.delivering = true
	m.cbMu.Unlock()
	go m.drainCallbacks()
}

func (m *Manager) drainCallbacks() {
	for {
		m.cbMu.Lock()
		if len(m.callbacks) == 0 {
			m.delivering = false
			m.cbMu.Unlock()
			return
		}
		f := m.callbacks[0]
		m.callbacks[0] = nil
		m.callbacks = m.callbacks[1:]
		m.cbMu.Unlock()
		f()
	}
}

func (m *Manager) setStateLocked(to State, ev *events) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	close(m.changed)
	m.changed = make(chan struct{})
	m.logger.Debug("client: state", "from", from.String(), "to", to.String())
	if m.onState != nil {
		fn := m.onState
		ev.user = append(ev.user, func() { fn(from, to) })
	}
}

// Connect starts connecting to url. It returns at once; use Ready to wait
// for the outcome. Cancelling ctx ends the connection without reconnecting.
// Calling Connect while a connection is open or being
// attempted only replaces the target used by later reconnects.
func (m *Manager) Connect(ctx context.Context, url string, header http.Header) {
	var ev events
	m.mu.Lock()
	m.url, m.header, m.parent = url, header.Clone(), ctx
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	m.stopTimersLocked()
	m.attempt = 0
	m.err = nil
	m.startAttemptLocked(&ev)
	m.mu.Unlock()
	m.flush(&ev)
}

func (m *Manager) startAttemptLocked(ev *events) {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(m.parent)
	m.cancel = cancel
	m.setStateLocked(StateConnecting, ev)
	m.wg.Add(1)
	go m.dial(ctx, gen, m.url, m.header)
}

func (m *Manager) dial(ctx context.Context, gen uint64, url string, header http.Header) {
	defer m.wg.Done()
	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, err := m.dialer.Dial(dctx, url, header)
	cancel()

	var ev events
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			conn.Close(CloseNormal, "superseded")
		}
		return
	}
	if err != nil {
		m.logger.Warn("client: dial failed", "url", url, "error", err)
		m.dropLocked(err, &ev)
		m.mu.Unlock()
		m.flush(&ev)
		return
	}
	m.conn = conn
	m.attempt = 0
	m.setStateLocked(StateConnected, &ev)
	m.scheduleHeartbeatLocked(gen)
	m.wg.Add(1)
	go m.readLoop(ctx, gen, conn)
	m.mu.Unlock()

	m.logger.Info("client: connected", "url", url)
	m.flush(&ev)
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn Conn) {
	defer m.wg.Done()
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			var ev events
			m.mu.Lock()
			if gen == m.gen {
				m.dropLocked(err, &ev)
			}
			m.mu.Unlock()
			m.flush(&ev)
			return
		}
		m.handleFrame(data)
	}
}

func (m *Manager) handleFrame(data []byte) {
	var a protocol.Ack
	if err := json.Unmarshal(data, &a); err != nil {
		m.logger.Warn("client: undecodable frame", "error", err)
		return
	}
	if a.MessageID != "" {
		m.tracker.Resolve(&a)
	}
	if a.Type != protocol.TypeAck && m.onMessage != nil {
		fn := m.onMessage
		m.deliver(func() { fn(&a) })
	}
}

// dropLocked handles the end of the current attempt or connection.
func (m *Manager) dropLocked(err error, ev *events) {
	m.stopTimersLocked()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.conn = nil
	// Invalidate timers and goroutines of the dropped connection.
	m.gen++

	code := closeCode(err)
	var de *DialError
	switch {
	case m.parent.Err() != nil:
		m.setStateLocked(StateIdle, ev)
		ev.inline = append(ev.inline, func() { m.tracker.RejectAll(ErrDisconnected) })

	case code == CloseInvalidToken || errors.As(err, &de) && (de.StatusCode == http.StatusUnauthorized || de.StatusCode == http.StatusForbidden):
		rej := &ErrAuthRejected{CloseCode: code}
		if de != nil {
			rej = &ErrAuthRejected{HTTPStatus: de.StatusCode}
		}
		m.err = rej
		m.logger.Warn("client: credentials rejected", "error", rej)
		m.setStateLocked(StateFailed, ev)
		ev.inline = append(ev.inline, func() { m.tracker.RejectAll(rej) })
		if m.onAuth != nil {
			fn := m.onAuth
			ev.user = append(ev.user, func() { fn(rej) })
		}

	case code == CloseNormal:
		m.logger.Info("client: closed by server")
		m.setStateLocked(StateIdle, ev)
		ev.inline = append(ev.inline, func() { m.tracker.RejectAll(ErrDisconnected) })

	case m.attempt >= m.cfg.MaxAttempts:
		m.err = ErrConnectionLost
		m.logger.Error("client: reconnect attempts exhausted", "attempts", m.attempt, "error", err)
		m.setStateLocked(StateFailed, ev)
		ev.inline = append(ev.inline, func() { m.tracker.RejectAll(ErrConnectionLost) })

	default:
		delay := m.cfg.Backoff(m.attempt)
		m.attempt++
		m.reconnects++
		m.lastRetryDelay = delay
		m.logger.Info("client: reconnecting", "attempt", m.attempt, "delay", delay, "error", err)
		m.setStateLocked(StateBackoff, ev)
		gen := m.gen
		m.retry = m.clock.AfterFunc(delay, func() { m.reconnect(gen) })
	}
}

func (m *Manager) reconnect(gen uint64) {
	var ev events
	m.mu.Lock()
	if gen != m.gen || m.state != StateBackoff {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.startAttemptLocked(&ev)
	m.mu.Unlock()
	m.flush(&ev)
}

func (m *Manager) scheduleHeartbeatLocked(gen uint64) {
	m.heartbeat = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() { m.beat(gen) })
}

func (m *Manager) beat(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.heartbeats++
	m.scheduleHeartbeatLocked(gen)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, []byte(protocol.Heartbeat)); err != nil {
		m.logger.Debug("client: heartbeat write failed", "error", err)
	}
}

func (m *Manager) stopTimersLocked() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

// Disconnect cancels every timer, closes the connection with code 1000 and
// completes every pending request with ErrDisconnected. It returns once the
// connection goroutines have exited; queued callbacks may still run after.
func (m *Manager) Disconnect() {
	var ev events
	m.mu.Lock()
	m.gen++
	m.stopTimersLocked()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.setStateLocked(StateIdle, &ev)
	m.mu.Unlock()

	if conn != nil {
		conn.Close(CloseNormal, "client disconnect")
	}
	m.tracker.RejectAll(ErrDisconnected)
	m.wg.Wait()
	m.flush(&ev)
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns why the manager is Failed, nil otherwise.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateFailed {
		return nil
	}
	return m.err
}

// Ready blocks until the manager is Connected (nil), Failed (its error),
// Idle (ErrDisconnected) or ctx ends.
func (m *Manager) Ready(ctx context.Context) error {
	for {
		m.mu.Lock()
		state, changed, err := m.state, m.changed, m.err
		m.mu.Unlock()
		switch state {
		case StateConnected:
			return nil
		case StateFailed:
			return err
		case StateIdle:
			return ErrDisconnected
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Metrics returns a snapshot of the counters.
func (m *Manager) Metrics() Metrics {
	ts := m.tracker.Stats()
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		HeartbeatCount:     m.heartbeats,
		ReconnectCount:     m.reconnects,
		LastReconnectDelay: m.lastRetryDelay,
		AckCount:           ts.AckCount,
		LastAckLatency:     ts.LastAckLatency,
		AverageAckLatency:  ts.AverageAckLatency,
		DroppedAcks:        ts.DroppedAcks,
		LateAcks:           ts.LateAcks,
		InFlight:           ts.InFlight,
	}
}

// send writes frame and tracks id.
func (m *Manager) send(ctx context.Context, id string, frame any) (*Pending, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("client: encode: %w", err)
	}
	m.mu.Lock()
	conn := m.conn
	if m.state != StateConnected || conn == nil {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	p := m.tracker.Track(id)
	m.mu.Unlock()

	if err := conn.Write(ctx, data); err != nil {
		m.tracker.Cancel(id, err)
		return nil, fmt.Errorf("client: send: %w", err)
	}
	return p, nil
}

// SendControl reports a control interaction. value is normalised to 0..1.
func (m *Manager) SendControl(ctx context.Context, controlID, controlType string, value float64, meta map[string]string) (*Pending, error) {
	msg := protocol.ControlMessage{
		Kind:      protocol.KindControl,
		ControlID: controlID,
		Type:      controlType,
		Value:     value,
		Meta:      meta,
		MessageID: m.newID(),
		SentAt:    m.clock.Now().UnixMilli(),
	}
	return m.send(ctx, msg.MessageID, msg)
}

// SelectProfile activates profileID. local, when set, is the device copy
// the server may prefer over its own; resetState nil keeps the server
// default of clearing control states.
func (m *Manager) SelectProfile(ctx context.Context, profileID string, local *profiles.Profile, resetState *bool) (*Pending, error) {
	msg := protocol.SelectMessage{
		Kind:       protocol.KindProfileSelect,
		ProfileID:  profileID,
		ResetState: resetState,
		MessageID:  m.newID(),
		SentAt:     m.clock.Now().UnixMilli(),
	}
	if local != nil {
		raw, err := json.Marshal(local)
		if err != nil {
			return nil, fmt.Errorf("client: encode profile: %w", err)
		}
		msg.Profile = raw
	}
	return m.send(ctx, msg.MessageID, msg)
}

// UpdateProfile pushes an edited profile.
func (m *Manager) UpdateProfile(ctx context.Context, p *profiles.Profile) (*Pending, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("client: encode profile: %w", err)
	}
	msg := protocol.UpdateMessage{
		Kind:      protocol.KindProfileUpdate,
		Profile:   raw,
		MessageID: m.newID(),
		SentAt:    m.clock.Now().UnixMilli(),
	}
	return m.send(ctx, msg.MessageID, msg)
}
