package executor

import (
	"cmp"
	"iter"
	"slices"
)

// Info describes a registered executor at a point in time.
type Info struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"` // "builtin" or "plugin"
	Enabled bool   `json:"enabled"`
	Breaker string `json:"breaker,omitempty"`

	// Health is the breaker snapshot of a plugin; nil for builtins.
	Health *BreakerStatus `json:"health,omitempty"`
}

func (p *plugin) info() Info {
	st := p.breaker.Status()
	return Info{Name: p.name, Kind: "plugin", Enabled: p.enabled, Breaker: st.State.String(), Health: &st}
}

// All iterates over builtins then plugins, in no particular order.
func (r *Registry) All() iter.Seq[Info] {
	return func(yield func(Info) bool) {
		r.mu.RLock()
		defer r.mu.RUnlock()

		for verb := range r.builtins {
			if !yield(Info{Name: verb, Kind: "builtin", Enabled: true}) {
				return
			}
		}
		for _, p := range r.plugins {
			if !yield(p.info()) {
				return
			}
		}
	}
}

// Plugins returns the registered plugins sorted by name.
func (r *Registry) Plugins() []Info {
	var out []Info
	for info := range r.All() {
		if info.Kind == "plugin" {
			out = append(out, info)
		}
	}
	slices.SortFunc(out, func(a, b Info) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Inspect returns the plugin registered under namespace.
func (r *Registry) Inspect(namespace string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[namespace]
	if !ok {
		return Info{}, false
	}
	return p.info(), true
}
