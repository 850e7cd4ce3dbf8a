package profiles

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/hazyhaar/controldeck/action"
)

// SaveResult reports how a write was reconciled. PreviousVersion is nil when
// nothing was stored under the id before.
type SaveResult struct {
	Profile         *Profile `json:"profile"`
	Conflict        bool     `json:"conflict"`
	PreviousVersion *int     `json:"previousVersion"`
}

// Synchronizer serializes writes per profile id, keeps the summary listing
// cached and seeds the default profiles.
type Synchronizer struct {
	store  Store
	locks  sync.Map // id -> *sync.Mutex
	logger *slog.Logger

	cacheMu   sync.Mutex
	summaries []Summary
	cached    bool
	gen       uint64

	seedMu   sync.Mutex
	defaults func() []*Profile
}

// SyncOption configures a Synchronizer.
type SyncOption func(*Synchronizer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SyncOption {
	return func(s *Synchronizer) { s.logger = l }
}

// WithDefaults replaces the seeded profiles. nil disables seeding.
func WithDefaults(fn func() []*Profile) SyncOption {
	return func(s *Synchronizer) { s.defaults = fn }
}

// NewSynchronizer wraps store.
func NewSynchronizer(store Store, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		store:    store,
		logger:   slog.Default(),
		defaults: Defaults,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Synchronizer) lock(id string) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Save persists candidate. If a copy exists and the candidate's version is
// set but not above it, the write is a conflict and lands at existing+1.
// A zero version means "next": existing+1, or 1. The checksum is always
// recomputed. The caller's profile is not modified.
func (s *Synchronizer) Save(ctx context.Context, candidate *Profile, source, actor string) (*SaveResult, error) {
	unlock := s.lock(candidate.ID)
	defer unlock()
	return s.saveLocked(ctx, candidate, source, actor)
}

func (s *Synchronizer) saveLocked(ctx context.Context, candidate *Profile, source, actor string) (*SaveResult, error) {
	existing, err := s.store.Read(ctx, candidate.ID)
	var nf *ErrProfileNotFound
	if err != nil && !errors.As(err, &nf) {
		return nil, err
	}

	p := candidate.Clone()
	res := &SaveResult{Profile: p}
	prev := 0
	if existing != nil {
		prev = existing.Version
		res.PreviousVersion = &prev
	}
	res.Conflict = existing != nil && p.Version > 0 && p.Version <= prev
	if res.Conflict || p.Version <= 0 {
		p.Version = prev + 1
	}
	p.Checksum = Checksum(p)

	if err := s.store.Write(ctx, p); err != nil {
		return nil, err
	}
	s.Invalidate()

	s.logger.Info("profiles: saved",
		"profile_id", p.ID, "version", p.Version, "source", source, "actor", actor, "conflict", res.Conflict)
	return res, nil
}

// Get returns the stored profile.
func (s *Synchronizer) Get(ctx context.Context, id string) (*Profile, error) {
	return s.store.Read(ctx, id)
}

// Delete removes the profile and evicts the cached listing.
func (s *Synchronizer) Delete(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.Invalidate()
	s.logger.Info("profiles: deleted", "profile_id", id)
	return nil
}

// Resolve picks the copy a session should activate. The incoming copy wins
// when nothing is stored, when its version is higher, or when versions match
// and it carries a different non-empty checksum; a winning copy is saved
// first. Otherwise the stored copy is returned untouched.
func (s *Synchronizer) Resolve(ctx context.Context, id string, incoming *Profile, actor string) (*Profile, error) {
	unlock := s.lock(id)
	defer unlock()

	stored, err := s.store.Read(ctx, id)
	var nf *ErrProfileNotFound
	if err != nil && !errors.As(err, &nf) {
		return nil, err
	}

	if incoming != nil && incoming.ID == id {
		wins := stored == nil ||
			incoming.Version > stored.Version ||
			(incoming.Version == stored.Version && incoming.Checksum != "" && incoming.Checksum != stored.Checksum)
		if wins {
			res, err := s.saveLocked(ctx, incoming, "websocket", actor)
			if err != nil {
				return nil, err
			}
			return res.Profile, nil
		}
	}
	if stored == nil {
		return nil, &ErrProfileNotFound{ID: id}
	}
	return stored, nil
}

// ListSummaries seeds missing defaults, then lists every stored profile
// sorted by id. The listing is cached until the next write, delete or
// Invalidate.
func (s *Synchronizer) ListSummaries(ctx context.Context) ([]Summary, error) {
	s.cacheMu.Lock()
	if s.cached {
		out := slices.Clone(s.summaries)
		s.cacheMu.Unlock()
		return out, nil
	}
	s.cacheMu.Unlock()

	if err := s.Seed(ctx); err != nil {
		return nil, err
	}

	s.cacheMu.Lock()
	gen := s.gen
	s.cacheMu.Unlock()

	all, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(all))
	for _, p := range all {
		out = append(out, p.Summary())
	}
	slices.SortFunc(out, func(a, b Summary) int { return cmp.Compare(a.ID, b.ID) })

	s.cacheMu.Lock()
	if s.gen == gen {
		s.summaries, s.cached = out, true
	}
	s.cacheMu.Unlock()
	return slices.Clone(out), nil
}

// Seed saves each default whose id and name are both absent, so a renamed
// or re-created default is never duplicated. The server calls it before
// accepting connections; ListSummaries repeats it.
func (s *Synchronizer) Seed(ctx context.Context) error {
	if s.defaults == nil {
		return nil
	}
	s.seedMu.Lock()
	defer s.seedMu.Unlock()

	existing, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	ids := make(map[string]bool, len(existing))
	names := make(map[string]bool, len(existing))
	for _, p := range existing {
		ids[p.ID] = true
		names[p.Name] = true
	}

	for _, d := range s.defaults() {
		if ids[d.ID] || names[d.Name] {
			continue
		}
		if _, err := s.Save(ctx, d, "server", "system"); err != nil {
			return err
		}
		s.logger.Info("profiles: default seeded", "profile_id", d.ID, "name", d.Name)
	}
	return nil
}

// Invalidate drops the cached listing.
func (s *Synchronizer) Invalidate() {
	s.cacheMu.Lock()
	s.gen++
	s.cached = false
	s.summaries = nil
	s.cacheMu.Unlock()
}

// DeriveMappings resolves p's controls with the synchronizer's logger.
func (s *Synchronizer) DeriveMappings(p *Profile) action.Mapping {
	return DeriveMappings(p, s.logger)
}

// Watch invalidates the listing whenever the store reports an external
// change. It returns at once, with nil, for stores that cannot report.
func (s *Synchronizer) Watch(ctx context.Context) error {
	n, ok := s.store.(Notifier)
	if !ok {
		return nil
	}
	return n.Watch(ctx, func() {
		s.logger.Debug("profiles: external change, listing evicted")
		s.Invalidate()
	})
}
