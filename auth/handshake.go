package auth

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Handshake exchanges a shared secret for a device token.
type Handshake struct {
	hash   []byte
	tokens *TokenManager
}

// NewHandshake hashes secret once; the plaintext is not retained. An empty
// secret disables the handshake.
func NewHandshake(secret string, tokens *TokenManager) (*Handshake, error) {
	h := &Handshake{tokens: tokens}
	if secret == "" {
		return h, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash handshake secret: %w", err)
	}
	h.hash = hash
	return h, nil
}

// Enabled reports whether a secret is configured.
func (h *Handshake) Enabled() bool { return len(h.hash) > 0 }

// Exchange issues a token for clientID when secret matches.
func (h *Handshake) Exchange(ctx context.Context, secret, clientID string) (*Issued, error) {
	if !h.Enabled() || bcrypt.CompareHashAndPassword(h.hash, []byte(secret)) != nil {
		return nil, ErrInvalidSecret
	}
	return h.tokens.Issue(ctx, clientID, map[string]string{"via": "handshake"}, 0)
}
