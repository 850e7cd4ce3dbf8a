package auth

import "github.com/golang-jwt/jwt/v5"

// DeviceClaims are the claims of a device token. RegisteredClaims.ID (jti)
// keys the token's row in the device_tokens table.
type DeviceClaims struct {
	jwt.RegisteredClaims
	ClientID string            `json:"client_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
