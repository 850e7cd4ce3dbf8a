package client

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// Conn is one open transport.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Dialer opens a Conn. A failed upgrade should be reported as *DialError so
// the manager can tell an auth rejection from a network failure.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WSDialer dials WebSocket servers with coder/websocket.
type WSDialer struct {
	HTTPClient *http.Client
	ReadLimit  int64 // default 1 MiB
}

// Dial implements Dialer.
func (d WSDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	c, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		de := &DialError{Err: err}
		if resp != nil {
			de.StatusCode = resp.StatusCode
		}
		return nil, de
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = 1 << 20
	}
	c.SetReadLimit(limit)
	return wsConn{c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsConn) Close(code int, reason string) error {
	return w.c.Close(websocket.StatusCode(code), reason)
}

// closeCode extracts the close code carried by a read error, -1 if none.
func closeCode(err error) int {
	return int(websocket.CloseStatus(err))
}

const writeTimeout = 5 * time.Second
