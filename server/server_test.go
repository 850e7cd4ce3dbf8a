package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/controldeck/auth"
	"github.com/hazyhaar/controldeck/dbopen"
	"github.com/hazyhaar/controldeck/dispatch"
	"github.com/hazyhaar/controldeck/executor"
	"github.com/hazyhaar/controldeck/observability"
	"github.com/hazyhaar/controldeck/profiles"
	"github.com/hazyhaar/controldeck/protocol"
	"github.com/hazyhaar/controldeck/shield"

	_ "modernc.org/sqlite"
)

type auditEvent struct {
	Kind, Op, Who string
	OK            bool
}

type fakeAudit struct {
	mu     sync.Mutex
	events []auditEvent
}

func (f *fakeAudit) add(e auditEvent) {
	f.mu.Lock()
	f.events = append(f.events, e)
	f.mu.Unlock()
}

func (f *fakeAudit) RecordAuth(_ context.Context, op, clientID string, err error) {
	f.add(auditEvent{"auth", op, clientID, err == nil})
}

func (f *fakeAudit) RecordAccess(_ context.Context, remote, _ string, allowed bool, reason string) {
	f.add(auditEvent{"access", reason, remote, allowed})
}

func (f *fakeAudit) RecordPlugin(_ context.Context, name, op string, err error) {
	f.add(auditEvent{"plugin", op, name, err == nil})
}

func (f *fakeAudit) snapshot() []auditEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]auditEvent(nil), f.events...)
}

type testServer struct {
	srv    *Server
	ts     *httptest.Server
	deps   Deps
	audit  *fakeAudit
	tokens *auth.TokenManager

	mu    sync.Mutex
	calls []string
}

const handshakeSecret = "open-sesame"

func newTestServer(t *testing.T, mutate ...func(*Deps)) *testServer {
	t.Helper()
	db := dbopen.OpenMemory(t)

	store, err := profiles.NewSQLiteStore(db, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	syncer := profiles.NewSynchronizer(store)

	tokens, err := auth.NewTokenManager(db, []byte("server-test-secret-0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	hs, err := auth.NewHandshake(handshakeSecret, tokens)
	if err != nil {
		t.Fatalf("NewHandshake: %v", err)
	}

	tsrv := &testServer{audit: &fakeAudit{}, tokens: tokens}

	plugins := executor.New()
	executor.RegisterDefaults(plugins, nil)
	plugins.RegisterBuiltin("keyboard", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		tsrv.mu.Lock()
		tsrv.calls = append(tsrv.calls, "keyboard "+string(payload))
		tsrv.mu.Unlock()
		return nil, nil
	})
	plugins.RegisterPlugin("obs", func(context.Context, string, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})

	q := dispatch.New()
	t.Cleanup(func() { q.Close(context.Background()) })

	limiter := shield.NewLimiter()
	perf := observability.NewPerformance(nil)
	eng := protocol.NewEngine(syncer, q, plugins, limiter,
		protocol.WithValidator(profiles.Validate),
		protocol.WithMessageObserver(perf))

	d := Deps{
		Engine:    eng,
		Sessions:  protocol.NewRegistry(),
		Profiles:  syncer,
		Validator: profiles.Validate,
		Queue:     q,
		Plugins:   plugins,
		Limiter:   limiter,
		Tokens:    tokens,
		Pairing:   auth.NewPairing(auth.WithBcryptCost(bcrypt.MinCost)),
		Handshake: hs,
		Audit:     tsrv.audit,
		Perf:      perf,
	}
	for _, m := range mutate {
		m(&d)
	}
	srv, err := New(Config{ServerID: "deck-test", ServerName: "Test Deck", Port: 4455}, d)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tsrv.srv, tsrv.deps = srv, d
	tsrv.ts = httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.Close()
		tsrv.ts.Close()
	})
	return tsrv
}

func (s *testServer) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// do sends a request and decodes the JSON reply into a map.
func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func (s *testServer) handshake(t *testing.T, clientID string) string {
	t.Helper()
	code, out := s.do(t, http.MethodPost, "/handshake", "", map[string]string{"secret": handshakeSecret, "clientId": clientID})
	if code != http.StatusOK {
		t.Fatalf("handshake: %d %v", code, out)
	}
	return out["token"].(string)
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Fatal("expected an error for missing deps")
	}
}

func TestHealthAndDiscovery(t *testing.T) {
	s := newTestServer(t)

	code, out := s.do(t, http.MethodGet, "/health", "", nil)
	if code != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("health: %d %v", code, out)
	}

	code, out = s.do(t, http.MethodGet, "/discovery", "", nil)
	if code != http.StatusOK {
		t.Fatalf("discovery: %d", code)
	}
	want := map[string]any{
		"serverId":   "deck-test",
		"serverName": "Test Deck",
		"port":       float64(4455),
		"protocol":   "ws",
		"host":       "127.0.0.1",
		"version":    Version,
		"capabilities": map[string]any{
			"tls": false, "websocket": true, "profiles": true, "plugins": true,
		},
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("discovery (-want +got):\n%s", diff)
	}
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t)
	resp, err := s.ts.Client().Get(s.ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("headers: %v", resp.Header)
	}
}

func TestHandshakeAndTokens(t *testing.T) {
	s := newTestServer(t)

	if code, out := s.do(t, http.MethodPost, "/handshake", "", map[string]string{}); code != http.StatusBadRequest || out["error"] != "secret required" {
		t.Fatalf("missing secret: %d %v", code, out)
	}
	if code, out := s.do(t, http.MethodPost, "/handshake", "", map[string]string{"secret": "nope"}); code != http.StatusUnauthorized || out["error"] != "invalid secret" {
		t.Fatalf("bad secret: %d %v", code, out)
	}

	tok := s.handshake(t, "tablet")

	code, info := s.do(t, http.MethodGet, "/tokens/info", tok, nil)
	if code != http.StatusOK || info["clientId"] != "tablet" {
		t.Fatalf("info: %d %v", code, info)
	}
	if code, out := s.do(t, http.MethodGet, "/tokens/info", "", nil); code != http.StatusUnauthorized || out["error"] != "token required" {
		t.Fatalf("info without token: %d %v", code, out)
	}

	code, rotated := s.do(t, http.MethodPost, "/tokens/rotate", tok, map[string]any{"metadata": map[string]string{"os": "android"}})
	if code != http.StatusOK {
		t.Fatalf("rotate: %d %v", code, rotated)
	}
	fresh := rotated["token"].(string)
	if code, _ := s.do(t, http.MethodGet, "/tokens/info", tok, nil); code != http.StatusNotFound {
		t.Fatalf("old token info: %d", code)
	}
	if code, _ := s.do(t, http.MethodPost, "/tokens/rotate", tok, nil); code != http.StatusBadRequest {
		t.Fatalf("rotate revoked: %d", code)
	}

	if code, out := s.do(t, http.MethodPost, "/handshake/revoke", "", map[string]string{}); code != http.StatusBadRequest || out["error"] != "token required" {
		t.Fatalf("revoke without token: %d %v", code, out)
	}
	if code, out := s.do(t, http.MethodPost, "/handshake/revoke", "", map[string]string{"token": fresh}); code != http.StatusOK || out["status"] != "revoked" {
		t.Fatalf("revoke: %d %v", code, out)
	}
	if code, out := s.do(t, http.MethodPost, "/tokens/revoke", fresh, nil); code != http.StatusNotFound {
		t.Fatalf("second revoke: %d %v", code, out)
	}

	var ops []string
	for _, e := range s.audit.snapshot() {
		if e.Kind == "auth" {
			ops = append(ops, e.Op)
		}
	}
	wantOps := []string{"handshake", "handshake", "token_rotate", "token_rotate", "token_revoke", "token_revoke"}
	if diff := cmp.Diff(wantOps, ops); diff != "" {
		t.Fatalf("audited auth ops (-want +got):\n%s", diff)
	}
}

func TestPairing(t *testing.T) {
	s := newTestServer(t)

	code, req := s.do(t, http.MethodPost, "/pairing/request", "", map[string]string{"clientId": "phone-9"})
	if code != http.StatusOK {
		t.Fatalf("request: %d %v", code, req)
	}
	pin := req["code"].(string)
	qr := req["qrData"].(map[string]any)
	if qr["type"] != "control-deck-pairing" || qr["serverId"] != "deck-test" || qr["code"] != pin || qr["protocol"] != "ws" {
		t.Fatalf("qrData: %v", qr)
	}

	if code, out := s.do(t, http.MethodPost, "/pairing/confirm", "", map[string]string{"code": pin}); code != http.StatusBadRequest || out["error"] != "code and serverId required" {
		t.Fatalf("missing serverId: %d %v", code, out)
	}
	wrong := "000000"
	if pin == wrong {
		wrong = "999999"
	}
	if code, out := s.do(t, http.MethodPost, "/pairing/confirm", "", map[string]string{"code": wrong, "serverId": "deck-test"}); code != http.StatusUnauthorized || out["error"] != "Invalid or expired pairing code" {
		t.Fatalf("wrong code: %d %v", code, out)
	}

	code, conf := s.do(t, http.MethodPost, "/pairing/confirm", "", map[string]string{"code": pin, "serverId": "deck-test", "fingerprint": "aa:bb"})
	if code != http.StatusOK || conf["status"] != "paired" || conf["serverId"] != "deck-test" {
		t.Fatalf("confirm: %d %v", code, conf)
	}
	tok := conf["token"].(string)

	code, list := s.do(t, http.MethodGet, "/pairing/servers", tok, nil)
	if code != http.StatusOK {
		t.Fatalf("servers: %d", code)
	}
	servers := list["servers"].([]any)
	if len(servers) != 1 || servers[0].(map[string]any)["clientId"] != "phone-9" {
		t.Fatalf("servers: %v", servers)
	}
}

func TestProfilesAPI(t *testing.T) {
	s := newTestServer(t)

	code, out := s.do(t, http.MethodGet, "/profiles", "", nil)
	if code != http.StatusOK || len(out["profiles"].([]any)) != 4 {
		t.Fatalf("list: %d %v", code, out)
	}

	if code, out := s.do(t, http.MethodGet, "/profiles/nope", "", nil); code != http.StatusNotFound || out["error"] != "Profile not found" {
		t.Fatalf("get missing: %d %v", code, out)
	}

	deck := map[string]any{
		"id": "desk", "name": "Desk", "rows": 1, "cols": 2, "version": 1,
		"controls": []map[string]any{
			{"id": "b1", "type": "BUTTON", "row": 0, "col": 0, "action": map[string]string{"type": "KEYBOARD", "payload": "F13"}},
		},
	}

	if code, out := s.do(t, http.MethodPost, "/profiles/other", "", deck); code != http.StatusBadRequest || out["error"] != "id mismatch" {
		t.Fatalf("id mismatch: %d %v", code, out)
	}

	bad := map[string]any{"id": "desk", "name": "", "rows": 0, "cols": 2}
	code, out = s.do(t, http.MethodPost, "/profiles/desk", "", bad)
	if code != http.StatusBadRequest || out["error"] != "invalid profile" || len(out["details"].([]any)) != 2 {
		t.Fatalf("invalid: %d %v", code, out)
	}

	code, out = s.do(t, http.MethodPost, "/profiles/desk", "", deck)
	if code != http.StatusOK || out["status"] != "saved" || out["version"] != float64(1) || out["conflict"] != false || out["previousVersion"] != nil {
		t.Fatalf("first save: %d %v", code, out)
	}
	if out["checksum"] == "" {
		t.Fatal("checksum missing")
	}

	code, out = s.do(t, http.MethodPost, "/profiles/desk", "", deck)
	if code != http.StatusOK || out["version"] != float64(2) || out["conflict"] != true || out["previousVersion"] != float64(1) {
		t.Fatalf("stale save: %d %v", code, out)
	}

	code, got := s.do(t, http.MethodGet, "/profiles/desk", "", nil)
	if code != http.StatusOK || got["version"] != float64(2) || got["name"] != "Desk" {
		t.Fatalf("get: %d %v", code, got)
	}

	if code, out := s.do(t, http.MethodDelete, "/profiles/desk", "", nil); code != http.StatusOK || out["status"] != "deleted" {
		t.Fatalf("delete: %d %v", code, out)
	}
	if code, _ := s.do(t, http.MethodDelete, "/profiles/desk", "", nil); code != http.StatusNotFound {
		t.Fatalf("second delete: %d", code)
	}
}

func TestProfilesAPI_ValidatorMissing(t *testing.T) {
	s := newTestServer(t, func(d *Deps) { d.Validator = nil })
	code, out := s.do(t, http.MethodPost, "/profiles/desk", "", map[string]any{"id": "desk"})
	if code != http.StatusInternalServerError || out["error"] != "profile validator unavailable" {
		t.Fatalf("got %d %v", code, out)
	}
}

func TestAuthRequiredOnceTokensExist(t *testing.T) {
	s := newTestServer(t)

	if code, _ := s.do(t, http.MethodGet, "/plugins", "", nil); code != http.StatusOK {
		t.Fatalf("open server: %d", code)
	}
	tok := s.handshake(t, "tablet")

	if code, out := s.do(t, http.MethodGet, "/plugins", "", nil); code != http.StatusUnauthorized || out["error"] != "unauthorized" {
		t.Fatalf("without token: %d %v", code, out)
	}
	if code, _ := s.do(t, http.MethodGet, "/plugins", tok, nil); code != http.StatusOK {
		t.Fatalf("with token: %d", code)
	}
	if code, _ := s.do(t, http.MethodGet, "/health", "", nil); code != http.StatusOK {
		t.Fatalf("health must stay public: %d", code)
	}
}

func TestPlugins(t *testing.T) {
	s := newTestServer(t)

	code, out := s.do(t, http.MethodGet, "/plugins", "", nil)
	if code != http.StatusOK {
		t.Fatalf("list: %d", code)
	}
	list := out["plugins"].([]any)
	if len(list) != 1 || list[0].(map[string]any)["name"] != "obs" || list[0].(map[string]any)["enabled"] != true {
		t.Fatalf("plugins: %v", list)
	}

	if code, out := s.do(t, http.MethodPost, "/plugins/obs/disable", "", nil); code != http.StatusOK || out["status"] != "disabled" {
		t.Fatalf("disable: %d %v", code, out)
	}
	if info, _ := s.deps.Plugins.Inspect("obs"); info.Enabled {
		t.Fatal("plugin still enabled")
	}
	if code, out := s.do(t, http.MethodPost, "/plugins/obs/enable", "", nil); code != http.StatusOK || out["status"] != "enabled" {
		t.Fatalf("enable: %d %v", code, out)
	}
	code, out = s.do(t, http.MethodPost, "/plugins/spotify/enable", "", nil)
	if code != http.StatusNotFound || !strings.Contains(out["error"].(string), "spotify") {
		t.Fatalf("unknown plugin: %d %v", code, out)
	}

	var got []auditEvent
	for _, e := range s.audit.snapshot() {
		if e.Kind == "plugin" {
			got = append(got, e)
		}
	}
	want := []auditEvent{
		{"plugin", "disable", "obs", true},
		{"plugin", "enable", "obs", true},
		{"plugin", "enable", "spotify", false},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("plugin audit (-want +got):\n%s", diff)
	}
}

func TestDiagnostics(t *testing.T) {
	s := newTestServer(t)
	s.handshake(t, "tablet")
	tok := s.handshake(t, "tablet")
	code, out := s.do(t, http.MethodGet, "/diagnostics", tok, nil)
	if code != http.StatusOK {
		t.Fatalf("diagnostics: %d %v", code, out)
	}
	for _, key := range []string{
		"status", "uptimeSeconds", "activeWebsocketConnections", "totalConnections",
		"plugins", "tokens", "rateLimiter", "actionQueue", "performance", "runtime",
	} {
		if _, ok := out[key]; !ok {
			t.Fatalf("diagnostics missing %q: %v", key, out)
		}
	}
	if out["status"] != "ok" {
		t.Fatalf("status: %v", out["status"])
	}
	tokens := out["tokens"].(map[string]any)
	if tokens["active"] != float64(2) {
		t.Fatalf("tokens: %v", tokens)
	}
	queue := out["actionQueue"].(map[string]any)
	if queue["maxConcurrent"] != float64(5) {
		t.Fatalf("queue: %v", queue)
	}
}
