// Package auth authenticates deck clients.
//
// A device obtains a token by presenting the handshake secret (POST
// /handshake) or by completing a pairing. Tokens are HS256 JWTs whose jti
// keys a row of the device_tokens table; the row carries the revocation
// state, so a revoked token stays rejected across restarts even though its
// signature is still valid. A static token from configuration is always
// accepted and never expires.
package auth

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/hazyhaar/controldeck/dbopen"
	"github.com/hazyhaar/controldeck/idgen"
)

// Schema is the device_tokens table.
const Schema = `
CREATE TABLE IF NOT EXISTS device_tokens (
    jti        TEXT PRIMARY KEY,
    client_id  TEXT NOT NULL DEFAULT '',
    metadata   TEXT NOT NULL DEFAULT '{}',
    issued_at  INTEGER NOT NULL,
    expires_at INTEGER NOT NULL,
    last_used  INTEGER NOT NULL,
    revoked_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_device_tokens_client ON device_tokens(client_id);
CREATE INDEX IF NOT EXISTS idx_device_tokens_expiry ON device_tokens(expires_at);
`

// Issued is a freshly minted token. Times are Unix milliseconds.
type Issued struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
	ExpiresIn int64  `json:"expiresIn"`
}

// TokenInfo describes a live token. Times are Unix milliseconds.
type TokenInfo struct {
	ID        string            `json:"-"`
	ClientID  string            `json:"clientId,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	IssuedAt  int64             `json:"issuedAt"`
	ExpiresAt int64             `json:"expiresAt"`
	LastUsed  int64             `json:"lastUsed"`
	ExpiresIn int64             `json:"expiresIn"`
	Static    bool              `json:"static,omitempty"`
}

// TokenStats counts rows of the token table.
type TokenStats struct {
	Active  int `json:"active"`
	Expired int `json:"expired"`
	Revoked int `json:"revoked"`
	Total   int `json:"total"`
}

// TokenManager issues and checks device tokens.
type TokenManager struct {
	db       *sql.DB
	secret   []byte
	ttl      time.Duration
	static   string
	required bool
	now      func() time.Time
	newID    idgen.Generator
	logger   *slog.Logger
}

// TokenOption configures a TokenManager.
type TokenOption func(*TokenManager)

// WithTTL sets the default token lifetime. Default: 24h.
func WithTTL(d time.Duration) TokenOption {
	return func(m *TokenManager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithStaticToken accepts tok unconditionally.
func WithStaticToken(tok string) TokenOption {
	return func(m *TokenManager) { m.static = tok }
}

// WithAuthRequired forces AuthRequired to report true.
func WithAuthRequired(v bool) TokenOption {
	return func(m *TokenManager) { m.required = v }
}

// WithTokenClock replaces time.Now.
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(m *TokenManager) { m.now = fn }
}

// WithTokenLogger sets the logger.
func WithTokenLogger(l *slog.Logger) TokenOption {
	return func(m *TokenManager) { m.logger = l }
}

// NewTokenManager applies Schema to db and returns a manager signing with
// secret.
func NewTokenManager(db *sql.DB, secret []byte, opts ...TokenOption) (*TokenManager, error) {
	if err := ValidateSecret(secret); err != nil {
		return nil, err
	}
	if err := dbopen.Migrate(context.Background(), db, "auth", Schema); err != nil {
		return nil, fmt.Errorf("auth: schema: %w", err)
	}
	m := &TokenManager{
		db:     db,
		secret: secret,
		ttl:    24 * time.Hour,
		now:    time.Now,
		newID:  idgen.Default,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Issue mints a token for clientID. ttl <= 0 uses the default lifetime.
func (m *TokenManager) Issue(ctx context.Context, clientID string, metadata map[string]string, ttl time.Duration) (*Issued, error) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	now := m.now()
	claims := &DeviceClaims{ClientID: clientID, Metadata: metadata}
	claims.ID = m.newID()
	tok, err := sign(m.secret, claims, now, ttl)
	if err != nil {
		return nil, err
	}

	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("auth: metadata: %w", err)
	}
	if metadata == nil {
		meta = []byte("{}")
	}
	expiresAt := now.Add(ttl)
	if _, err := dbopen.Exec(ctx, m.db,
		`INSERT INTO device_tokens (jti, client_id, metadata, issued_at, expires_at, last_used)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		claims.ID, clientID, string(meta), now.UnixMilli(), expiresAt.UnixMilli(), now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("auth: store token: %w", err)
	}

	m.logger.Info("auth: token issued", "client_id", clientID, "expires_at", expiresAt)
	return &Issued{Token: tok, ExpiresAt: expiresAt.UnixMilli(), ExpiresIn: ttl.Milliseconds()}, nil
}

// Validate checks tok and records its use. The static token yields an
// info with Static set.
func (m *TokenManager) Validate(ctx context.Context, tok string) (*TokenInfo, error) {
	if tok == "" {
		return nil, &ErrInvalidToken{Reason: "missing"}
	}
	if m.isStatic(tok) {
		return &TokenInfo{Static: true}, nil
	}
	claims, err := parse(m.secret, tok, m.now)
	if err != nil {
		return nil, err
	}
	info, err := m.load(ctx, claims.ID)
	if err != nil {
		return nil, err
	}

	now := m.now().UnixMilli()
	if _, err := dbopen.Exec(ctx, m.db, `UPDATE device_tokens SET last_used = ? WHERE jti = ?`, now, claims.ID); err != nil {
		m.logger.Warn("auth: last_used update failed", "error", err)
	}
	info.LastUsed = now
	info.ExpiresIn = info.ExpiresAt - now
	return info, nil
}

// IsValid reports whether tok is accepted.
func (m *TokenManager) IsValid(tok string) bool {
	_, err := m.Validate(context.Background(), tok)
	return err == nil
}

// Info describes tok without recording a use.
func (m *TokenManager) Info(ctx context.Context, tok string) (*TokenInfo, error) {
	if m.isStatic(tok) {
		return &TokenInfo{Static: true}, nil
	}
	claims, err := parse(m.secret, tok, m.now)
	if err != nil {
		return nil, err
	}
	info, err := m.load(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	info.ExpiresIn = info.ExpiresAt - m.now().UnixMilli()
	return info, nil
}

// load returns the row of a live token.
func (m *TokenManager) load(ctx context.Context, jti string) (*TokenInfo, error) {
	var (
		info    = TokenInfo{ID: jti}
		meta    string
		revoked sql.NullInt64
	)
	err := m.db.QueryRowContext(ctx,
		`SELECT client_id, metadata, issued_at, expires_at, last_used, revoked_at
		 FROM device_tokens WHERE jti = ?`, jti).
		Scan(&info.ClientID, &meta, &info.IssuedAt, &info.ExpiresAt, &info.LastUsed, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrInvalidToken{Reason: "unknown"}
	}
	if err != nil {
		return nil, fmt.Errorf("auth: load token: %w", err)
	}
	if revoked.Valid {
		return nil, &ErrInvalidToken{Reason: "revoked"}
	}
	if m.now().UnixMilli() > info.ExpiresAt {
		return nil, &ErrInvalidToken{Reason: "expired"}
	}
	if err := json.Unmarshal([]byte(meta), &info.Metadata); err != nil {
		return nil, fmt.Errorf("auth: token metadata: %w", err)
	}
	return &info, nil
}

// Revoke invalidates tok. Revoking an unknown, expired or already revoked
// token returns *ErrInvalidToken. The static token cannot be revoked.
func (m *TokenManager) Revoke(ctx context.Context, tok string) (*TokenInfo, error) {
	if m.isStatic(tok) {
		return nil, &ErrInvalidToken{Reason: "static token cannot be revoked"}
	}
	info, err := m.Info(ctx, tok)
	if err != nil {
		return nil, err
	}
	if err := m.revokeID(ctx, info.ID); err != nil {
		return nil, err
	}
	m.logger.Info("auth: token revoked", "client_id", info.ClientID)
	return info, nil
}

func (m *TokenManager) revokeID(ctx context.Context, jti string) error {
	_, err := dbopen.Exec(ctx, m.db,
		`UPDATE device_tokens SET revoked_at = ? WHERE jti = ? AND revoked_at IS NULL`, m.now().UnixMilli(), jti)
	if err != nil {
		return fmt.Errorf("auth: revoke: %w", err)
	}
	return nil
}

// RevokeClient revokes every live token of clientID.
func (m *TokenManager) RevokeClient(ctx context.Context, clientID string) (int64, error) {
	res, err := dbopen.Exec(ctx, m.db,
		`UPDATE device_tokens SET revoked_at = ? WHERE client_id = ? AND revoked_at IS NULL`,
		m.now().UnixMilli(), clientID)
	if err != nil {
		return 0, fmt.Errorf("auth: revoke client: %w", err)
	}
	n, _ := res.RowsAffected()
	m.logger.Info("auth: client tokens revoked", "client_id", clientID, "count", n)
	return n, nil
}

// Rotate replaces old with a token expiring at the same time. clientID, when
// set, replaces the client; metadata is merged over the old metadata.
func (m *TokenManager) Rotate(ctx context.Context, old, clientID string, metadata map[string]string) (*Issued, error) {
	if m.isStatic(old) {
		return nil, &ErrInvalidToken{Reason: "static token cannot be rotated"}
	}
	info, err := m.Info(ctx, old)
	if err != nil {
		return nil, err
	}
	if clientID == "" {
		clientID = info.ClientID
	}
	merged := maps.Clone(info.Metadata)
	if merged == nil {
		merged = make(map[string]string, len(metadata))
	}
	maps.Copy(merged, metadata)

	remaining := time.Duration(info.ExpiresIn) * time.Millisecond
	if remaining <= 0 {
		return nil, &ErrInvalidToken{Reason: "expired"}
	}
	issued, err := m.Issue(ctx, clientID, merged, remaining)
	if err != nil {
		return nil, err
	}
	if err := m.revokeID(ctx, info.ID); err != nil {
		return nil, err
	}
	m.logger.Info("auth: token rotated", "client_id", clientID)
	return issued, nil
}

// Stats counts tokens by state.
func (m *TokenManager) Stats(ctx context.Context) (TokenStats, error) {
	var s TokenStats
	err := m.db.QueryRowContext(ctx, `
		SELECT
		  COALESCE(SUM(CASE WHEN revoked_at IS NULL AND expires_at >= ?1 THEN 1 ELSE 0 END), 0),
		  COALESCE(SUM(CASE WHEN revoked_at IS NULL AND expires_at < ?1 THEN 1 ELSE 0 END), 0),
		  COALESCE(SUM(CASE WHEN revoked_at IS NOT NULL THEN 1 ELSE 0 END), 0),
		  COUNT(*)
		FROM device_tokens`, m.now().UnixMilli()).Scan(&s.Active, &s.Expired, &s.Revoked, &s.Total)
	if err != nil {
		return s, fmt.Errorf("auth: stats: %w", err)
	}
	return s, nil
}

// Cleanup deletes tokens past their expiry, revoked or not: their signature
// no longer verifies, so their rows are dead weight.
func (m *TokenManager) Cleanup(ctx context.Context) (int64, error) {
	res, err := dbopen.Exec(ctx, m.db, `DELETE FROM device_tokens WHERE expires_at < ?`, m.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("auth: cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		m.logger.Info("auth: expired tokens removed", "count", n)
	}
	return n, nil
}

// StartCleanup runs Cleanup every interval until ctx is done.
func (m *TokenManager) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := m.Cleanup(ctx); err != nil && ctx.Err() == nil {
					m.logger.Warn("auth: cleanup failed", "error", err)
				}
			}
		}
	}()
}

// AuthRequired reports whether connections must present a token: when
// configured so, when a static token is set, or when any live token exists.
func (m *TokenManager) AuthRequired(ctx context.Context) bool {
	if m.required || m.static != "" {
		return true
	}
	s, err := m.Stats(ctx)
	if err != nil {
		m.logger.Warn("auth: stats unavailable, requiring auth", "error", err)
		return true
	}
	return s.Active > 0
}

func (m *TokenManager) isStatic(tok string) bool {
	return m.static != "" && subtle.ConstantTimeCompare([]byte(tok), []byte(m.static)) == 1
}
