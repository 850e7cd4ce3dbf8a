package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Heartbeat is the keep-alive frame. It is not JSON.
const Heartbeat = "💾"

// Message kinds.
const (
	KindControl       = "control"
	KindProfileSelect = "profile:select"
	KindProfileUpdate = "profile:update"
)

// ControlMessage is a press, toggle or slider move on one control.
type ControlMessage struct {
	Kind      string            `json:"kind,omitempty"`
	ControlID string            `json:"controlId"`
	Type      string            `json:"type"`
	Value     float64           `json:"value"`
	Meta      map[string]string `json:"meta,omitempty"`
	MessageID string            `json:"messageId"`
	SentAt    int64             `json:"sentAt"`
}

// SelectMessage activates a profile for the session. Profile, when present,
// is the client's copy and may win over the stored one.
type SelectMessage struct {
	Kind       string          `json:"kind"`
	ProfileID  string          `json:"profileId"`
	ResetState *bool           `json:"resetState,omitempty"`
	MessageID  string          `json:"messageId"`
	SentAt     int64           `json:"sentAt"`
	Profile    json.RawMessage `json:"profile,omitempty"`
}

// UpdateMessage pushes an edited profile.
type UpdateMessage struct {
	Kind      string          `json:"kind"`
	Profile   json.RawMessage `json:"profile"`
	MessageID string          `json:"messageId,omitempty"`
	SentAt    int64           `json:"sentAt,omitempty"`
}

const controlSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["controlId", "type", "value", "messageId", "sentAt"],
  "properties": {
    "kind": {"type": "string", "const": "control"},
    "controlId": {"type": "string", "minLength": 1},
    "type": {"type": "string", "minLength": 1},
    "value": {"type": "number"},
    "meta": {"type": "object", "additionalProperties": {"type": "string"}},
    "messageId": {"type": "string", "minLength": 1},
    "sentAt": {"type": "integer", "minimum": 0}
  }
}`

const selectSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["profileId", "messageId", "sentAt"],
  "properties": {
    "kind": {"type": "string", "const": "profile:select"},
    "profileId": {"type": "string", "minLength": 1},
    "resetState": {"type": "boolean"},
    "messageId": {"type": "string", "minLength": 1},
    "sentAt": {"type": "integer", "minimum": 0},
    "profile": {"type": "object"}
  }
}`

const updateSchema = `{
  "type": "object",
  "required": ["profile"],
  "properties": {
    "kind": {"type": "string", "const": "profile:update"},
    "profile": {"type": "object"},
    "messageId": {"type": "string"},
    "sentAt": {"type": "integer", "minimum": 0}
  }
}`

var (
	controlValidator = mustResolve(controlSchema)
	selectValidator  = mustResolve(selectSchema)
	updateValidator  = mustResolve(updateSchema)
)

func mustResolve(src string) *jsonschema.Resolved {
	var s jsonschema.Schema
	if err := json.Unmarshal([]byte(src), &s); err != nil {
		panic(fmt.Sprintf("protocol: schema: %v", err))
	}
	r, err := s.Resolve(nil)
	if err != nil {
		panic(fmt.Sprintf("protocol: resolve schema: %v", err))
	}
	return r
}

// frame is a parsed inbound text frame.
type frame struct {
	raw    []byte
	fields map[string]any
}

// parseFrame decodes a JSON object. Anything else is an invalid payload.
func parseFrame(b []byte) (*frame, error) {
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, &ErrInvalidPayload{Reason: err.Error()}
	}
	if fields == nil {
		return nil, &ErrInvalidPayload{Reason: "not an object"}
	}
	return &frame{raw: b, fields: fields}, nil
}

// kind returns the message kind, "control" when absent. ok is false when
// the kind field is present but not a string.
func (f *frame) kind() (string, bool) {
	v, present := f.fields["kind"]
	if !present {
		return KindControl, true
	}
	s, ok := v.(string)
	return s, ok
}

// messageID returns the messageId field when it is a string.
func (f *frame) messageID() string {
	s, _ := f.fields["messageId"].(string)
	return s
}

func decodeInto(f *frame, v *jsonschema.Resolved, dst any) error {
	if err := v.Validate(f.fields); err != nil {
		return &ErrInvalidPayload{Reason: err.Error()}
	}
	if err := json.Unmarshal(f.raw, dst); err != nil {
		return &ErrInvalidPayload{Reason: err.Error()}
	}
	return nil
}

func (f *frame) control() (*ControlMessage, error) {
	var m ControlMessage
	if err := decodeInto(f, controlValidator, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (f *frame) selectProfile() (*SelectMessage, error) {
	var m SelectMessage
	if err := decodeInto(f, selectValidator, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (f *frame) updateProfile() (*UpdateMessage, error) {
	var m UpdateMessage
	if err := decodeInto(f, updateValidator, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
