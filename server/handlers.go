package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/controldeck/auth"
	"github.com/hazyhaar/controldeck/executor"
	"github.com/hazyhaar/controldeck/profiles"
	"github.com/hazyhaar/controldeck/shield"
)

// --- discovery ---

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"serverId":   s.cfg.ServerID,
		"serverName": s.cfg.ServerName,
		"port":       s.cfg.Port,
		"protocol":   s.cfg.protocol(),
		"host":       host,
		"version":    Version,
		"capabilities": map[string]bool{
			"tls":       s.cfg.TLS,
			"websocket": true,
			"profiles":  true,
			"plugins":   s.d.Plugins != nil,
		},
	})
}

// --- handshake and tokens ---

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Secret   string `json:"secret"`
		ClientID string `json:"clientId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Secret == "" {
		writeError(w, http.StatusBadRequest, "secret required")
		return
	}
	if s.d.Handshake == nil {
		s.d.Audit.RecordAuth(r.Context(), "handshake", body.ClientID, auth.ErrInvalidSecret)
		writeError(w, http.StatusUnauthorized, "invalid secret")
		return
	}
	iss, err := s.d.Handshake.Exchange(r.Context(), body.Secret, body.ClientID)
	s.d.Audit.RecordAuth(r.Context(), "handshake", body.ClientID, err)
	if errors.Is(err, auth.ErrInvalidSecret) {
		shield.GetLogger(r.Context()).Warn("handshake: invalid secret", "client_id", body.ClientID)
		writeError(w, http.StatusUnauthorized, "invalid secret")
		return
	}
	if err != nil {
		shield.GetLogger(r.Context()).Error("handshake: issue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	writeJSON(w, http.StatusOK, iss)
}

func (s *Server) handleHandshakeRevoke(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Token == "" {
		writeError(w, http.StatusBadRequest, "token required")
		return
	}
	s.revoke(w, r, body.Token)
}

func (s *Server) handleTokenRevoke(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tok := body.Token
	if tok == "" {
		tok = auth.BearerToken(r)
	}
	if tok == "" {
		writeError(w, http.StatusBadRequest, "token required")
		return
	}
	s.revoke(w, r, tok)
}

func (s *Server) revoke(w http.ResponseWriter, r *http.Request, tok string) {
	info, err := s.d.Tokens.Revoke(r.Context(), tok)
	var inv *auth.ErrInvalidToken
	if errors.As(err, &inv) {
		s.d.Audit.RecordAuth(r.Context(), "token_revoke", "", err)
		writeError(w, http.StatusNotFound, "token not found or already invalid")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.d.Audit.RecordAuth(r.Context(), "token_revoke", info.ClientID, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleTokenInfo(w http.ResponseWriter, r *http.Request) {
	tok := auth.BearerToken(r)
	if tok == "" {
		writeError(w, http.StatusUnauthorized, "token required")
		return
	}
	info, err := s.d.Tokens.Info(r.Context(), tok)
	var inv *auth.ErrInvalidToken
	if errors.As(err, &inv) {
		writeError(w, http.StatusNotFound, "token not found or expired")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleTokenRotate(w http.ResponseWriter, r *http.Request) {
	tok := auth.BearerToken(r)
	if tok == "" {
		writeError(w, http.StatusUnauthorized, "token required")
		return
	}
	var body struct {
		ClientID string            `json:"clientId"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	iss, err := s.d.Tokens.Rotate(r.Context(), tok, body.ClientID, body.Metadata)
	s.d.Audit.RecordAuth(r.Context(), "token_rotate", body.ClientID, err)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, iss)
}

// --- pairing ---

type qrData struct {
	Type       string `json:"type"`
	ServerID   string `json:"serverId"`
	ServerName string `json:"serverName"`
	Port       int    `json:"port"`
	Protocol   string `json:"protocol"`
	Code       string `json:"code"`
	ExpiresAt  int64  `json:"expiresAt"`
}

func (s *Server) handlePairingRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientID string `json:"clientId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	code, exp, err := s.d.Pairing.Request(s.cfg.ServerID, body.ClientID)
	if err != nil {
		shield.GetLogger(r.Context()).Error("pairing: request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "pairing unavailable")
		return
	}
	s.d.Audit.RecordAuth(r.Context(), "pairing_request", body.ClientID, nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"code":      code,
		"expiresAt": exp.UnixMilli(),
		"qrData": qrData{
			Type:       "control-deck-pairing",
			ServerID:   s.cfg.ServerID,
			ServerName: s.cfg.ServerName,
			Port:       s.cfg.Port,
			Protocol:   s.cfg.protocol(),
			Code:       code,
			ExpiresAt:  exp.UnixMilli(),
		},
	})
}

func (s *Server) handlePairingConfirm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code        string `json:"code"`
		ServerID    string `json:"serverId"`
		Fingerprint string `json:"fingerprint"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Code == "" || body.ServerID == "" {
		writeError(w, http.StatusBadRequest, "code and serverId required")
		return
	}
	ps, err := s.d.Pairing.Confirm(body.Code, body.ServerID, body.Fingerprint)
	if err != nil {
		s.d.Audit.RecordAuth(r.Context(), "pairing_confirm", "", err)
		writeError(w, http.StatusUnauthorized, "Invalid or expired pairing code")
		return
	}
	iss, err := s.d.Tokens.Issue(r.Context(), ps.ClientID, map[string]string{"via": "pairing"}, 0)
	s.d.Audit.RecordAuth(r.Context(), "pairing_confirm", ps.ClientID, err)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "paired",
		"serverId":  ps.ServerID,
		"message":   "Pairing successful",
		"token":     iss.Token,
		"expiresAt": iss.ExpiresAt,
		"expiresIn": iss.ExpiresIn,
	})
}

func (s *Server) handlePairedServers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"servers": s.d.Pairing.Servers()})
}

// --- profiles ---

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	list, err := s.d.Profiles.ListSummaries(r.Context())
	if err != nil {
		shield.GetLogger(r.Context()).Error("profiles: list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "profile store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": list})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.d.Profiles.Get(r.Context(), chi.URLParam(r, "id"))
	var nf *profiles.ErrProfileNotFound
	if errors.As(err, &nf) {
		writeError(w, http.StatusNotFound, "Profile not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "profile store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	logger := shield.GetLogger(r.Context())
	if s.d.Validator == nil {
		logger.Error("profiles: validator not configured")
		writeError(w, http.StatusInternalServerError, "profile validator unavailable")
		return
	}
	id := chi.URLParam(r, "id")

	var p profiles.Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "invalid profile",
			"details": []string{err.Error()},
		})
		return
	}
	if p.ID == "" {
		p.ID = id
	}
	if p.ID != id {
		writeError(w, http.StatusBadRequest, "id mismatch")
		return
	}
	if err := s.d.Validator(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "invalid profile",
			"details": profiles.Details(err),
		})
		return
	}

	res, err := s.d.Profiles.Save(r.Context(), &p, "http", actorOf(r))
	if err != nil {
		logger.Error("profiles: save failed", "profile_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "profile store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "saved",
		"version":         res.Profile.Version,
		"checksum":        res.Profile.Checksum,
		"conflict":        res.Conflict,
		"previousVersion": res.PreviousVersion,
	})
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	err := s.d.Profiles.Delete(r.Context(), chi.URLParam(r, "id"))
	var nf *profiles.ErrProfileNotFound
	if errors.As(err, &nf) {
		writeError(w, http.StatusNotFound, "Profile not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "profile store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func actorOf(r *http.Request) string {
	if info := auth.GetInfo(r.Context()); info != nil && info.ClientID != "" {
		return info.ClientID
	}
	return shield.ExtractIP(r)
}

// --- plugins ---

func (s *Server) handleListPlugins(w http.ResponseWriter, _ *http.Request) {
	list := []executor.Info{}
	if s.d.Plugins != nil {
		list = append(list, s.d.Plugins.Plugins()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": list})
}

func (s *Server) handlePluginToggle(enable bool) http.HandlerFunc {
	op, status := "disable", "disabled"
	if enable {
		op, status = "enable", "enabled"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if s.d.Plugins == nil {
			writeError(w, http.StatusNotFound, (&executor.ErrPluginNotFound{Namespace: name}).Error())
			return
		}
		var err error
		if enable {
			err = s.d.Plugins.Enable(r.Context(), name)
		} else {
			err = s.d.Plugins.Disable(r.Context(), name)
		}
		s.d.Audit.RecordPlugin(r.Context(), name, op, err)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": status})
	}
}
