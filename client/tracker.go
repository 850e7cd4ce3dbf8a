package client

import (
	"context"
	"sync"
	"time"

	"github.com/hazyhaar/controldeck/protocol"
)

// DefaultAckTimeout bounds the wait for an ack.
const DefaultAckTimeout = 5 * time.Second

// Pending is the future of one request. It completes exactly once: with
// the ack, with ErrAckTimeout, or with the error passed to RejectAll.
type Pending struct {
	id   string
	done chan struct{}
	ack  *protocol.Ack
	err  error
}

// ID returns the request's messageId.
func (p *Pending) ID() string { return p.id }

// Done is closed when the request completes.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the request completes or ctx ends.
func (p *Pending) Wait(ctx context.Context) (*protocol.Ack, error) {
	select {
	case <-p.done:
		return p.ack, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type entry struct {
	p      *Pending
	sentAt time.Time
	timer  Timer
}

// TrackerStats are the ack counters.
type TrackerStats struct {
	AckCount          int64
	LastAckLatency    time.Duration
	AverageAckLatency time.Duration
	DroppedAcks       int64
	LateAcks          int64
	InFlight          int
}

// Tracker owns the outstanding request ids. An entry leaves the table once,
// by ack or by timeout; whatever arrives afterwards for that id is counted
// and otherwise ignored.
type Tracker struct {
	mu      sync.Mutex
	clock   Clock
	timeout time.Duration
	pending map[string]*entry

	acks    int64
	last    time.Duration
	avg     float64 // nanoseconds
	dropped int64
	late    int64
}

// NewTracker returns a tracker timing requests out after timeout.
func NewTracker(clock Clock, timeout time.Duration) *Tracker {
	if clock == nil {
		clock = RealClock
	}
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	return &Tracker{clock: clock, timeout: timeout, pending: make(map[string]*entry)}
}

// Track starts timing id. Tracking an id already in flight returns its
// existing future.
func (t *Tracker) Track(id string) *Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.pending[id]; ok {
		return e.p
	}
	e := &entry{
		p:      &Pending{id: id, done: make(chan struct{})},
		sentAt: t.clock.Now(),
	}
	t.pending[id] = e
	e.timer = t.clock.AfterFunc(t.timeout, func() { t.expire(id, e) })
	return e.p
}

func (t *Tracker) expire(id string, e *entry) {
	t.mu.Lock()
	if t.pending[id] != e {
		t.mu.Unlock()
		return
	}
	delete(t.pending, id)
	t.dropped++
	t.mu.Unlock()

	e.p.err = ErrAckTimeout
	close(e.p.done)
}

// Resolve settles the request named by a.MessageID. It reports false for an
// id that is not in flight.
func (t *Tracker) Resolve(a *protocol.Ack) bool {
	if a == nil || a.MessageID == "" {
		return false
	}
	t.mu.Lock()
	e, ok := t.pending[a.MessageID]
	if !ok {
		t.late++
		t.mu.Unlock()
		return false
	}
	delete(t.pending, a.MessageID)
	e.timer.Stop()

	lat := t.clock.Now().Sub(e.sentAt)
	t.avg = (t.avg*float64(t.acks) + float64(lat)) / float64(t.acks+1)
	t.acks++
	t.last = lat
	t.mu.Unlock()

	e.p.ack = a
	close(e.p.done)
	return true
}

// Cancel completes id with err without touching the counters. Used when
// the request could not be written.
func (t *Tracker) Cancel(id string, err error) {
	t.mu.Lock()
	e, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
		e.timer.Stop()
	}
	t.mu.Unlock()
	if ok {
		e.p.err = err
		close(e.p.done)
	}
}

// RejectAll stops every timer and completes every pending request with err.
func (t *Tracker) RejectAll(err error) {
	t.mu.Lock()
	all := t.pending
	t.pending = make(map[string]*entry)
	for _, e := range all {
		e.timer.Stop()
	}
	t.mu.Unlock()

	for _, e := range all {
		e.p.err = err
		close(e.p.done)
	}
}

// Stats returns a snapshot of the counters.
func (t *Tracker) Stats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TrackerStats{
		AckCount:          t.acks,
		LastAckLatency:    t.last,
		AverageAckLatency: time.Duration(t.avg),
		DroppedAcks:       t.dropped,
		LateAcks:          t.late,
		InFlight:          len(t.pending),
	}
}
