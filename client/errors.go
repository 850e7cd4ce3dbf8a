package client

import (
	"errors"
	"fmt"
)

var (
	// ErrDisconnected completes every pending request when Disconnect is
	// called or the server closes normally.
	ErrDisconnected = errors.New("client: disconnected")
	// ErrConnectionLost is the terminal error once reconnect attempts are
	// exhausted.
	ErrConnectionLost = errors.New("client: connection lost")
	// ErrAckTimeout completes a request whose ack did not arrive in time.
	ErrAckTimeout = errors.New("client: ack timeout")
	// ErrNotConnected is returned by sends while no connection is open.
	ErrNotConnected = errors.New("client: not connected")
)

// ErrAuthRejected reports that the server refused the credentials, either
// with close code 4001 or with HTTP 401/403 on the upgrade.
type ErrAuthRejected struct {
	CloseCode  int
	HTTPStatus int
}

func (e *ErrAuthRejected) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("client: auth rejected: http %d", e.HTTPStatus)
	}
	return fmt.Sprintf("client: auth rejected: close code %d", e.CloseCode)
}

// DialError is a failed upgrade. StatusCode is the HTTP status, 0 when no
// response was received.
type DialError struct {
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("client: dial: http %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("client: dial: %v", e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }
