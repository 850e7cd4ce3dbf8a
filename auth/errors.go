package auth

import "errors"

// ErrInvalidToken is returned for tokens that are malformed, badly signed,
// expired, revoked or unknown.
type ErrInvalidToken struct {
	Reason string
}

func (e *ErrInvalidToken) Error() string {
	return "auth: invalid token: " + e.Reason
}

var (
	// ErrWeakSecret is returned when the signing key is too short.
	ErrWeakSecret = errors.New("auth: signing secret must be at least 32 bytes")
	// ErrInvalidPairingCode covers unknown, expired, consumed and
	// mismatched pairing codes alike.
	ErrInvalidPairingCode = errors.New("auth: invalid or expired pairing code")
	// ErrInvalidSecret is returned by a failed handshake.
	ErrInvalidSecret = errors.New("auth: invalid secret")
)
