package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// BreakerState is the health state of one plugin.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // plugin healthy
	BreakerOpen                         // plugin tripped, actions rejected
	BreakerHalfOpen                     // one trial action at a time
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// MarshalText lets the state appear by name in /plugins and /diagnostics.
func (s BreakerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BreakerStatus is a snapshot of a plugin's breaker.
type BreakerStatus struct {
	State    BreakerState `json:"state"`
	Failures int          `json:"consecutiveFailures"`
	Trips    int64        `json:"trips"`
	// ReopensAt is when an open breaker admits its next trial.
	ReopensAt time.Time `json:"reopensAt,omitzero"`
	LastError string    `json:"lastError,omitempty"`
}

// CircuitBreaker guards one plugin namespace. After threshold consecutive
// plugin faults it opens and rejects actions with *ErrCircuitOpen. Once
// resetTimeout has passed since the last fault, actions are let through one
// at a time as trials; halfOpenMax successful trials close it again and any
// failed trial reopens it.
//
// Only faults of the plugin itself count: an action cancelled because its
// session went away, or rejected by this breaker, is neither a success nor
// a failure.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	successes    int
	probing      bool
	trips        int64
	lastFailure  time.Time
	lastErr      string
	threshold    int
	resetTimeout time.Duration
	halfOpenMax  int
	now          func() time.Time
	onChange     func(from, to BreakerState)
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerThreshold sets the consecutive faults that trip the breaker.
func WithBreakerThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.threshold = n }
}

// WithBreakerResetTimeout sets how long a tripped plugin is left alone.
func WithBreakerResetTimeout(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) { cb.resetTimeout = d }
}

// WithBreakerHalfOpenMax sets the successful trials needed to close.
func WithBreakerHalfOpenMax(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.halfOpenMax = n }
}

// WithBreakerClock replaces time.Now (tests).
func WithBreakerClock(fn func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = fn }
}

// onBreakerChange is set by the Registry to log transitions. fn runs with
// the breaker lock held and must not call back into it.
func onBreakerChange(fn func(from, to BreakerState)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// NewCircuitBreaker creates a breaker: 5 faults to trip, 30s open,
// 2 trials to close.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		threshold:    5,
		resetTimeout: 30 * time.Second,
		halfOpenMax:  2,
		now:          time.Now,
	}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

func (cb *CircuitBreaker) setLocked(to BreakerState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if to == BreakerOpen {
		cb.trips++
	}
	if cb.onChange != nil {
		cb.onChange(from, to)
	}
}

// Must be called with mu held.
func (cb *CircuitBreaker) tickLocked() {
	if cb.state == BreakerOpen && !cb.now().Before(cb.lastFailure.Add(cb.resetTimeout)) {
		cb.successes = 0
		cb.probing = false
		cb.setLocked(BreakerHalfOpen)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tickLocked()
	return cb.state
}

// Status returns a snapshot for inspection.
func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tickLocked()
	st := BreakerStatus{State: cb.state, Failures: cb.failures, Trips: cb.trips, LastError: cb.lastErr}
	if cb.state == BreakerOpen {
		st.ReopensAt = cb.lastFailure.Add(cb.resetTimeout)
	}
	return st
}

// admit reports whether an action may reach the plugin. While half-open it
// admits one trial at a time; the caller must report its outcome.
func (cb *CircuitBreaker) admit() (ok bool, retryAfter time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tickLocked()
	switch cb.state {
	case BreakerOpen:
		return false, cb.lastFailure.Add(cb.resetTimeout).Sub(cb.now())
	case BreakerHalfOpen:
		if cb.probing {
			return false, 0
		}
		cb.probing = true
	}
	return true, 0
}

// Allow reports whether an action may proceed, reserving the trial slot
// when half-open.
func (cb *CircuitBreaker) Allow() bool {
	ok, _ := cb.admit()
	return ok
}

// RecordSuccess records an action the plugin completed.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state != BreakerHalfOpen {
		return
	}
	cb.probing = false
	cb.successes++
	if cb.successes >= cb.halfOpenMax {
		cb.successes = 0
		cb.lastErr = ""
		cb.setLocked(BreakerClosed)
	}
}

// RecordFailure records a plugin fault. A failed trial reopens at once.
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFailure = cb.now()
	if err != nil {
		cb.lastErr = err.Error()
	}
	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.setLocked(BreakerOpen)
		}
	case BreakerHalfOpen:
		cb.probing = false
		cb.successes = 0
		cb.setLocked(BreakerOpen)
	}
}

// release returns a trial slot whose action did not say anything about the
// plugin's health.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	cb.probing = false
	cb.mu.Unlock()
}

// Reset closes the breaker and clears its counters. Enabling or replacing a
// plugin resets its breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures, cb.successes, cb.probing, cb.lastErr = 0, 0, false, ""
	cb.setLocked(BreakerClosed)
}

// pluginFault reports whether err says something about the plugin rather
// than about the caller.
func pluginFault(ctx context.Context, err error) bool {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return false
	}
	var co *ErrCircuitOpen
	return !errors.As(err, &co)
}

// WithCircuitBreaker rejects actions of namespace with *ErrCircuitOpen while
// cb is open, and feeds plugin outcomes back into cb.
func WithCircuitBreaker(cb *CircuitBreaker, namespace string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			ok, wait := cb.admit()
			if !ok {
				return nil, &ErrCircuitOpen{Namespace: namespace, RetryAfter: wait}
			}
			resp, err := next(ctx, payload)
			switch {
			case err == nil:
				cb.RecordSuccess()
			case pluginFault(ctx, err):
				cb.RecordFailure(err)
			default:
				cb.release()
			}
			return resp, err
		}
	}
}
