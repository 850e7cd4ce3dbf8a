package shield

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
)

// Rule is the admission rule of one scope: at most Max hits per Window.
type Rule struct {
	Max     int
	Window  time.Duration
	Enabled bool
}

// Result is the outcome of Check. RetryAfter is in whole seconds, rounded
// up, and only set when Allowed is false.
type Result struct {
	Allowed    bool `json:"allowed"`
	Remaining  int  `json:"remaining"`
	RetryAfter int  `json:"retryAfter,omitempty"`
}

// Stats counts tracked keys, optionally for one scope.
type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
}

// Standard scopes.
const (
	ScopeIP     = "ip"
	ScopeClient = "client"
	ScopeAction = "action"
)

// Limiter is a sliding-window rate limiter keyed by (scope, key). Each key
// keeps the timestamps of its admitted hits inside the window; a hit is
// admitted when fewer than Rule.Max timestamps remain. Rejected hits record
// nothing, so a client hammering a closed window does not extend it.
//
// Rules come from Configure and, when a database is attached, from the
// rate_limits table (see Schema). Table rows override configured rules.
type Limiter struct {
	mu       sync.RWMutex
	rules    map[string]Rule
	fallback Rule
	windows  sync.Map // "scope:key" -> *Window
	now      func() time.Time
	logger   *slog.Logger
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithLimiterClock replaces time.Now (tests).
func WithLimiterClock(fn func() time.Time) LimiterOption {
	return func(l *Limiter) { l.now = fn }
}

// WithLimiterLogger sets the logger.
func WithLimiterLogger(lg *slog.Logger) LimiterOption {
	return func(l *Limiter) { l.logger = lg }
}

// WithFallbackRule sets the rule used for scopes that were never configured.
// Default: 60 per minute.
func WithFallbackRule(r Rule) LimiterOption {
	return func(l *Limiter) { l.fallback = r }
}

// NewLimiter creates a Limiter with the default scopes: ip 100/min,
// client 200/min, action 15/s.
func NewLimiter(opts ...LimiterOption) *Limiter {
	l := &Limiter{
		rules: map[string]Rule{
			ScopeIP:     {Max: 100, Window: time.Minute, Enabled: true},
			ScopeClient: {Max: 200, Window: time.Minute, Enabled: true},
			ScopeAction: {Max: 15, Window: time.Second, Enabled: true},
		},
		fallback: Rule{Max: 60, Window: time.Minute, Enabled: true},
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Configure sets the rule of a scope. Existing windows keep their history
// and are judged against the new rule from the next Check on.
func (l *Limiter) Configure(scope string, r Rule) {
	l.mu.Lock()
	l.rules[scope] = r
	l.mu.Unlock()
}

// Rule returns the effective rule of a scope.
func (l *Limiter) Rule(scope string) Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if r, ok := l.rules[scope]; ok {
		return r
	}
	return l.fallback
}

// Check admits or rejects one hit for key in scope. Safe for concurrent use:
// two goroutines racing on the same key share one *Window and serialize on
// its mutex, so no increment is lost.
func (l *Limiter) Check(scope, key string) Result {
	rule := l.Rule(scope)
	if !rule.Enabled || rule.Max <= 0 {
		return Result{Allowed: true, Remaining: math.MaxInt32}
	}
	v, _ := l.windows.LoadOrStore(scope+":"+key, &Window{})
	return v.(*Window).admit(l.now(), rule.Max, rule.Window)
}

// Reset forgets the history of one key.
func (l *Limiter) Reset(scope, key string) {
	l.windows.Delete(scope + ":" + key)
}

// ResetAll forgets every key of a scope.
func (l *Limiter) ResetAll(scope string) {
	prefix := scope + ":"
	l.windows.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			l.windows.Delete(k)
		}
		return true
	})
}

// Cleanup drops keys whose whole history has left their window and returns
// how many were dropped.
func (l *Limiter) Cleanup() int {
	now := l.now()
	n := 0
	l.windows.Range(func(k, v any) bool {
		scope, _, _ := strings.Cut(k.(string), ":")
		if v.(*Window).idle(now, l.Rule(scope).Window) {
			l.windows.Delete(k)
			n++
		}
		return true
	})
	return n
}

// Stats reports tracked keys. An empty scope covers all scopes.
func (l *Limiter) Stats(scope string) Stats {
	now := l.now()
	var s Stats
	l.windows.Range(func(k, v any) bool {
		ks, _, _ := strings.Cut(k.(string), ":")
		if scope != "" && ks != scope {
			return true
		}
		s.Total++
		if v.(*Window).idle(now, l.Rule(ks).Window) {
			s.Expired++
		} else {
			s.Active++
		}
		return true
	})
	return s
}

// StartCleanup runs Cleanup every interval until ctx is done.
func (l *Limiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := l.Cleanup(); n > 0 {
					l.logger.Debug("ratelimit: cleanup", "dropped", n)
				}
			}
		}
	}()
}

// LoadRules reads the rate_limits table and overrides the matching scopes.
func (l *Limiter) LoadRules(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT scope, max_requests, window_ms, enabled FROM rate_limits`)
	if err != nil {
		return fmt.Errorf("shield: load rules: %w", err)
	}
	defer rows.Close()

	loaded := make(map[string]Rule)
	for rows.Next() {
		var (
			scope    string
			r        Rule
			windowMs int64
			enabled  int
		)
		if err := rows.Scan(&scope, &r.Max, &windowMs, &enabled); err != nil {
			return fmt.Errorf("shield: scan rule: %w", err)
		}
		r.Window = time.Duration(windowMs) * time.Millisecond
		r.Enabled = enabled == 1
		loaded[scope] = r
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("shield: rules: %w", err)
	}

	l.mu.Lock()
	for scope, r := range loaded {
		l.rules[scope] = r
	}
	l.mu.Unlock()
	l.logger.Info("ratelimit: rules loaded", "count", len(loaded))
	return nil
}

// SaveRule upserts a rule into the rate_limits table and applies it.
func (l *Limiter) SaveRule(ctx context.Context, db *sql.DB, scope string, r Rule) error {
	enabled := 0
	if r.Enabled {
		enabled = 1
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO rate_limits (scope, max_requests, window_ms, enabled, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(scope) DO UPDATE SET max_requests = excluded.max_requests,
		   window_ms = excluded.window_ms, enabled = excluded.enabled, updated_at = excluded.updated_at`,
		scope, r.Max, r.Window.Milliseconds(), enabled, l.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("shield: save rule %s: %w", scope, err)
	}
	l.Configure(scope, r)
	return nil
}

// Window is a sliding-window log. The zero value is ready to use. The
// protocol engine keeps one per connection for the message cap; the Limiter
// keeps one per (scope, key).
type Window struct {
	mu   sync.Mutex
	hits []time.Time
}

// Allow admits one hit at now if fewer than max hits fall in the last span.
func (w *Window) Allow(now time.Time, max int, span time.Duration) Result {
	return w.admit(now, max, span)
}

func (w *Window) admit(now time.Time, max int, span time.Duration) Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(now, span)
	if len(w.hits) >= max {
		wait := w.hits[0].Add(span).Sub(now)
		secs := int(math.Ceil(wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		return Result{Allowed: false, Remaining: 0, RetryAfter: secs}
	}
	w.hits = append(w.hits, now)
	return Result{Allowed: true, Remaining: max - len(w.hits)}
}

func (w *Window) idle(now time.Time, span time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now, span)
	return len(w.hits) == 0
}

// pruneLocked drops hits older than now-span. Hits exactly at the boundary
// are dropped too: a 1s window admits at t and again at t+1s.
func (w *Window) pruneLocked(now time.Time, span time.Duration) {
	cutoff := now.Add(-span)
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}
