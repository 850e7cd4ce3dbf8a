package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLen is the minimum HS256 key length: 32 bytes, 256 bits.
const MinSecretLen = 32

// ValidateSecret rejects signing keys shorter than MinSecretLen.
func ValidateSecret(secret []byte) error {
	if len(secret) < MinSecretLen {
		return ErrWeakSecret
	}
	return nil
}

// sign stamps iat/exp on claims and signs them with HS256.
func sign(secret []byte, claims *DeviceClaims, issuedAt time.Time, ttl time.Duration) (string, error) {
	if err := ValidateSecret(secret); err != nil {
		return "", fmt.Errorf("auth: %w", err)
	}
	claims.IssuedAt = jwt.NewNumericDate(issuedAt)
	claims.ExpiresAt = jwt.NewNumericDate(issuedAt.Add(ttl))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// parse verifies the signature, pinned to HS256, and the expiry against now.
func parse(secret []byte, tokenStr string, now func() time.Time) (*DeviceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &DeviceClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v (only HS256 allowed)", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithTimeFunc(now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, &ErrInvalidToken{Reason: err.Error()}
	}
	claims, ok := token.Claims.(*DeviceClaims)
	if !ok || !token.Valid || claims.ID == "" {
		return nil, &ErrInvalidToken{Reason: "malformed claims"}
	}
	return claims, nil
}
