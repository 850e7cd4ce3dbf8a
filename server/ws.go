package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/hazyhaar/controldeck/auth"
	"github.com/hazyhaar/controldeck/kit"
	"github.com/hazyhaar/controldeck/protocol"
	"github.com/hazyhaar/controldeck/shield"
)

// StatusInvalidToken closes a connection whose token was rejected.
const StatusInvalidToken websocket.StatusCode = 4001

// wsSender writes acks as JSON text frames. websocket.Conn serialises
// concurrent writers.
type wsSender struct {
	conn *websocket.Conn
	srv  *Server
}

func (w wsSender) Send(ctx context.Context, a *protocol.Ack) error {
	ctx, cancel := context.WithTimeout(ctx, w.srv.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, w.conn, a)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ctx := kit.WithTransport(r.Context(), "ws")
	remote := shield.ExtractIP(r)
	logger := shield.GetLogger(ctx)

	info := auth.GetInfo(ctx)
	required := s.d.Tokens.AuthRequired(ctx)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		logger.Warn("ws: upgrade failed", "error", err, "remote_addr", remote)
		return
	}

	if required && info == nil {
		reason := "missing token"
		if auth.RequestToken(r) != "" {
			reason = "invalid token"
		}
		logger.Warn("ws: connection rejected", "remote_addr", remote, "reason", reason)
		s.d.Audit.RecordAccess(ctx, remote, s.cfg.WSPath, false, reason)
		conn.Close(StatusInvalidToken, "invalid token")
		return
	}
	s.d.Audit.RecordAccess(ctx, remote, s.cfg.WSPath, true, "")
	conn.SetReadLimit(s.cfg.ReadLimit)

	peer := protocol.Peer{RemoteAddr: remote, Authenticated: info != nil}
	if info != nil {
		peer.ClientID = info.ClientID
	}
	if peer.ClientID == "" {
		peer.ClientID = r.URL.Query().Get("clientId")
	}

	sess := s.d.Sessions.Open(ctx, peer, wsSender{conn: conn, srv: s})
	defer func() {
		s.d.Sessions.Close(sess)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(sess.Context())
		if err != nil {
			s.logClose(sess, err)
			return
		}
		s.d.Engine.HandleFrame(sess, data)
	}
}

func (s *Server) logClose(sess *protocol.Session, err error) {
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		sess.Logger().Info("ws: client closed", "code", int(status))
	case errors.Is(err, context.Canceled):
		sess.Logger().Info("ws: session ended by server")
	case status != -1:
		sess.Logger().Warn("ws: closed", "code", int(status), "error", err)
	default:
		sess.Logger().Warn("ws: read failed", "error", err)
	}
}
