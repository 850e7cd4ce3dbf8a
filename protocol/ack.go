package protocol

import "github.com/hazyhaar/controldeck/profiles"

// Ack statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusIgnored = "ignored"
)

// Reply types.
const (
	TypeAck       = "ack"
	TypeSelectAck = "profile:select:ack"
	TypeUpdateAck = "profile:update:ack"
	TypeError     = "error"
)

// Error strings carried in acks. Clients match on them.
const (
	ErrTextInvalidPayload      = "invalid payload"
	ErrTextRateLimited         = "rate limit exceeded"
	ErrTextActionRateLimited   = "rate limit exceeded for this action"
	ErrTextNoMapping           = "no mapping found"
	ErrTextProfileNotFound     = "profile not found"
	ErrTextValidatorMissing    = "profile validator unavailable"
	ErrTextInvalidProfile      = "invalid profile"
	ErrTextUnknownKind         = "unknown message kind"
	ErrTextQueueClosed         = "server shutting down"
	ErrTextProfileStoreFailure = "profile store unavailable"
)

// Ack is every frame the server sends. Fields are set per reply type.
type Ack struct {
	Type            string            `json:"type"`
	MessageID       string            `json:"messageId,omitempty"`
	ControlID       string            `json:"controlId,omitempty"`
	Status          string            `json:"status,omitempty"`
	Error           string            `json:"error,omitempty"`
	Kind            string            `json:"kind,omitempty"`
	Details         []string          `json:"details,omitempty"`
	ReceivedAt      int64             `json:"receivedAt,omitempty"`
	ProcessedAt     int64             `json:"processedAt,omitempty"`
	RetryAfter      int               `json:"retryAfter,omitempty"`
	ProfileID       string            `json:"profileId,omitempty"`
	Profile         *profiles.Profile `json:"profile,omitempty"`
	MappingsCount   *int              `json:"mappingsCount,omitempty"`
	Version         *int              `json:"version,omitempty"`
	Conflict        *bool             `json:"conflict,omitempty"`
	PreviousVersion *int              `json:"previousVersion,omitempty"`
}

// OK reports whether the ack settles its request successfully.
func (a *Ack) OK() bool { return a.Status == StatusOK }
