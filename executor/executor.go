// Package executor routes resolved actions to the code that performs them.
// Builtin verbs ("keyboard", "obs", "audio", ...) run registered in-process
// handlers; plugin actions ("namespace:verb") go to the plugin registered
// under that namespace, behind a per-plugin circuit breaker and an
// enable/disable switch persisted in SQLite.
//
//	reg := executor.New(executor.WithLogger(logger))
//	executor.RegisterDefaults(reg, logger)
//	reg.RegisterPlugin("spotify", spotifyPlugin)
//	resp, err := reg.Execute(ctx, action.Parse("spotify:play", payload))
//
// A panicking executor surfaces as *ErrPanic instead of killing the
// connection.
package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/hazyhaar/controldeck/action"
)

// Handler executes a builtin verb: JSON payload in, optional JSON result out.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// PluginHandler executes any verb of one plugin namespace.
type PluginHandler func(ctx context.Context, verb string, payload json.RawMessage) (json.RawMessage, error)

type plugin struct {
	name    string
	handler PluginHandler
	breaker *CircuitBreaker
	enabled bool
}

// Registry holds builtin and plugin executors. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	builtins map[string]Handler
	plugins  map[string]*plugin

	db          *sql.DB
	observer    Observer
	breakerOpts []BreakerOption
	logger      *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithObserver reports every execution to o.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// WithBreakerOptions configures the breaker created for each plugin.
func WithBreakerOptions(opts ...BreakerOption) Option {
	return func(r *Registry) { r.breakerOpts = opts }
}

// WithStateDB persists plugin enable/disable flags in the plugins table
// (see Schema). Call Reload to apply stored flags.
func WithStateDB(db *sql.DB) Option {
	return func(r *Registry) { r.db = db }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		builtins: make(map[string]Handler),
		plugins:  make(map[string]*plugin),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterBuiltin registers or replaces the handler of a builtin verb.
func (r *Registry) RegisterBuiltin(verb string, h Handler) {
	r.mu.Lock()
	r.builtins[verb] = h
	r.mu.Unlock()
}

// RegisterPlugin registers or replaces a plugin. New plugins start enabled;
// a replaced plugin keeps its enabled flag.
func (r *Registry) RegisterPlugin(namespace string, h PluginHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.plugins[namespace]; ok {
		p.handler = h
		p.breaker.Reset()
		return
	}
	logChange := onBreakerChange(func(from, to BreakerState) {
		lvl := slog.LevelInfo
		if to == BreakerOpen {
			lvl = slog.LevelWarn
		}
		r.logger.Log(context.Background(), lvl, "executor: plugin breaker", "plugin", namespace, "from", from.String(), "to", to.String())
	})
	r.plugins[namespace] = &plugin{
		name:    namespace,
		handler: h,
		breaker: NewCircuitBreaker(append(slices.Clip(r.breakerOpts), logChange)...),
		enabled: true,
	}
	r.logger.Info("executor: plugin registered", "plugin", namespace)
}

// Execute runs a. It never panics on behalf of a handler.
func (r *Registry) Execute(ctx context.Context, a action.Action) (json.RawMessage, error) {
	var (
		h       Handler
		breaker *CircuitBreaker
		ns      string
	)

	switch a := a.(type) {
	case action.Builtin:
		r.mu.RLock()
		bh, ok := r.builtins[a.Verb]
		r.mu.RUnlock()
		if !ok {
			return nil, &ErrUnknownVerb{Verb: a.Verb}
		}
		h = bh

	case action.Plugin:
		r.mu.RLock()
		p, ok := r.plugins[a.Namespace]
		var enabled bool
		var ph PluginHandler
		if ok {
			enabled, ph = p.enabled, p.handler
		}
		r.mu.RUnlock()
		if !ok {
			return nil, &ErrPluginNotFound{Namespace: a.Namespace}
		}
		if !enabled {
			return nil, &ErrPluginDisabled{Namespace: a.Namespace}
		}
		verb := a.Verb
		h = func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return ph(ctx, verb, payload)
		}
		breaker, ns = p.breaker, a.Namespace

	default:
		return nil, fmt.Errorf("executor: unsupported action %T", a)
	}

	// Observe, Logging, breaker, Recovery: a recovered panic counts as a
	// plugin failure and is logged like any other error.
	var mws []HandlerMiddleware
	if r.observer != nil {
		mws = append(mws, Observe(r.observer, a.ID()))
	}
	mws = append(mws, Logging(r.logger, a.ID()))
	if breaker != nil {
		mws = append(mws, WithCircuitBreaker(breaker, ns))
	}
	mws = append(mws, Recovery(r.logger))
	return Chain(mws...)(h)(ctx, a.Payload())
}

// Enable turns a plugin back on and resets its breaker.
func (r *Registry) Enable(ctx context.Context, namespace string) error {
	return r.setEnabled(ctx, namespace, true)
}

// Disable makes every action of the plugin fail with *ErrPluginDisabled.
func (r *Registry) Disable(ctx context.Context, namespace string) error {
	return r.setEnabled(ctx, namespace, false)
}

func (r *Registry) setEnabled(ctx context.Context, namespace string, enabled bool) error {
	r.mu.Lock()
	p, ok := r.plugins[namespace]
	if ok {
		p.enabled = enabled
		if enabled {
			p.breaker.Reset()
		}
	}
	r.mu.Unlock()
	if !ok {
		return &ErrPluginNotFound{Namespace: namespace}
	}
	r.logger.Info("executor: plugin state changed", "plugin", namespace, "enabled", enabled)
	if r.db == nil {
		return nil
	}
	return saveState(ctx, r.db, namespace, enabled)
}

// Reload applies the enabled flags stored in the plugins table to the
// registered plugins. Rows for unregistered plugins are kept for later.
func (r *Registry) Reload(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	states, err := loadStates(ctx, r.db)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, enabled := range states {
		if p, ok := r.plugins[name]; ok && p.enabled != enabled {
			p.enabled = enabled
			if enabled {
				p.breaker.Reset()
			}
		}
	}
	r.logger.Debug("executor: plugin states reloaded", "rows", len(states))
	return nil
}
