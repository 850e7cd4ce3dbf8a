package auth

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// PairingTTL is how long a pairing code stays valid.
const PairingTTL = 5 * time.Minute

// PairingCode is a pending code. Only the bcrypt hash of the code is kept.
type PairingCode struct {
	ServerID  string
	ClientID  string
	CreatedAt time.Time
	ExpiresAt time.Time
	hash      []byte
}

// PairedServer is a completed pairing.
type PairedServer struct {
	ServerID    string    `json:"serverId"`
	ClientID    string    `json:"clientId,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	PairedAt    time.Time `json:"pairedAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Pairing issues six-digit codes that a device types or scans to pair with
// this server. At most one code per server id is pending; requesting a new
// one replaces it.
type Pairing struct {
	mu      sync.Mutex
	pending map[string]*PairingCode
	paired  map[string]*PairedServer
	ttl     time.Duration
	cost    int
	now     func() time.Time
	logger  *slog.Logger
}

// PairingOption configures a Pairing.
type PairingOption func(*Pairing)

// WithBcryptCost sets the cost used to hash codes. Default: bcrypt.DefaultCost.
func WithBcryptCost(cost int) PairingOption {
	return func(p *Pairing) { p.cost = cost }
}

// WithPairingTTL overrides PairingTTL.
func WithPairingTTL(d time.Duration) PairingOption {
	return func(p *Pairing) { p.ttl = d }
}

// WithPairingClock replaces time.Now.
func WithPairingClock(fn func() time.Time) PairingOption {
	return func(p *Pairing) { p.now = fn }
}

// WithPairingLogger sets the logger.
func WithPairingLogger(l *slog.Logger) PairingOption {
	return func(p *Pairing) { p.logger = l }
}

// NewPairing returns an empty Pairing.
func NewPairing(opts ...PairingOption) *Pairing {
	p := &Pairing{
		pending: make(map[string]*PairingCode),
		paired:  make(map[string]*PairedServer),
		ttl:     PairingTTL,
		cost:    bcrypt.DefaultCost,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Request generates a code for serverID and returns it with its expiry.
func (p *Pairing) Request(serverID, clientID string) (string, time.Time, error) {
	code, err := sixDigits()
	if err != nil {
		return "", time.Time{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), p.cost)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: hash pairing code: %w", err)
	}

	now := p.now()
	pc := &PairingCode{
		ServerID:  serverID,
		ClientID:  clientID,
		CreatedAt: now,
		ExpiresAt: now.Add(p.ttl),
		hash:      hash,
	}
	p.mu.Lock()
	p.cleanupLocked(now)
	p.pending[serverID] = pc
	p.mu.Unlock()

	p.logger.Info("pairing: code issued", "server_id", serverID, "expires_at", pc.ExpiresAt)
	return code, pc.ExpiresAt, nil
}

// Confirm consumes code and records the pairing. The code is single use: a
// second Confirm fails with ErrInvalidPairingCode.
func (p *Pairing) Confirm(code, serverID, fingerprint string) (*PairedServer, error) {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	pc, ok := p.pending[serverID]
	if !ok {
		return nil, ErrInvalidPairingCode
	}
	if now.After(pc.ExpiresAt) {
		delete(p.pending, serverID)
		return nil, ErrInvalidPairingCode
	}
	if bcrypt.CompareHashAndPassword(pc.hash, []byte(strings.TrimSpace(code))) != nil {
		return nil, ErrInvalidPairingCode
	}

	delete(p.pending, serverID)
	ps := &PairedServer{
		ServerID:    serverID,
		ClientID:    pc.ClientID,
		Fingerprint: fingerprint,
		PairedAt:    now,
		LastSeen:    now,
	}
	p.paired[serverID] = ps
	p.logger.Info("pairing: confirmed", "server_id", serverID, "client_id", pc.ClientID)
	cp := *ps
	return &cp, nil
}

// Touch updates LastSeen of a paired server.
func (p *Pairing) Touch(serverID string) {
	p.mu.Lock()
	if ps, ok := p.paired[serverID]; ok {
		ps.LastSeen = p.now()
	}
	p.mu.Unlock()
}

// IsPaired reports whether serverID completed a pairing.
func (p *Pairing) IsPaired(serverID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.paired[serverID]
	return ok
}

// Remove forgets a pairing.
func (p *Pairing) Remove(serverID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.paired[serverID]
	delete(p.paired, serverID)
	return ok
}

// Servers lists paired servers sorted by pairing time.
func (p *Pairing) Servers() []PairedServer {
	p.mu.Lock()
	out := make([]PairedServer, 0, len(p.paired))
	for _, ps := range p.paired {
		out = append(out, *ps)
	}
	p.mu.Unlock()
	slices.SortFunc(out, func(a, b PairedServer) int {
		if c := a.PairedAt.Compare(b.PairedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ServerID, b.ServerID)
	})
	return out
}

// Pending returns the number of codes awaiting confirmation.
func (p *Pairing) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanupLocked(p.now())
	return len(p.pending)
}

func (p *Pairing) cleanupLocked(now time.Time) {
	for id, pc := range p.pending {
		if now.After(pc.ExpiresAt) {
			delete(p.pending, id)
		}
	}
}

// sixDigits returns a uniformly random code in 000000..999999.
func sixDigits() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("auth: pairing code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
