package protocol

import "errors"

// ErrInvalidPayload is returned for frames that fail to decode or validate.
type ErrInvalidPayload struct {
	Reason string
}

func (e *ErrInvalidPayload) Error() string {
	return "protocol: invalid payload: " + e.Reason
}

// ErrSessionClosed is returned when replying on a session whose connection
// has gone away.
var ErrSessionClosed = errors.New("protocol: session closed")
