package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/controldeck/action"
	"github.com/hazyhaar/controldeck/dbopen"
	"github.com/hazyhaar/controldeck/dispatch"
	"github.com/hazyhaar/controldeck/executor"
	"github.com/hazyhaar/controldeck/profiles"
	"github.com/hazyhaar/controldeck/shield"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// inbox collects the replies of one session.
type inbox struct {
	ch chan *Ack
}

func newInbox() *inbox { return &inbox{ch: make(chan *Ack, 256)} }

func (in *inbox) Send(_ context.Context, a *Ack) error {
	in.ch <- a
	return nil
}

func (in *inbox) next(t *testing.T) *Ack {
	t.Helper()
	select {
	case a := <-in.ch:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
		return nil
	}
}

func (in *inbox) empty(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case a := <-in.ch:
		t.Fatalf("unexpected reply: %+v", a)
	case <-time.After(wait):
	}
}

type harness struct {
	eng     *Engine
	reg     *Registry
	sync    *profiles.Synchronizer
	exec    *executor.Registry
	limiter *shield.Limiter
	clock   *fakeClock

	mu    sync.Mutex
	calls []string // "verb payload"
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{clock: &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}}

	db := dbopen.OpenMemory(t)
	store, err := profiles.NewSQLiteStore(db, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	h.sync = profiles.NewSynchronizer(store, profiles.WithDefaults(nil))

	h.exec = executor.New()
	for _, verb := range []string{"keyboard", "audio"} {
		h.exec.RegisterBuiltin(verb, func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
			h.mu.Lock()
			h.calls = append(h.calls, verb+" "+string(payload))
			h.mu.Unlock()
			return nil, nil
		})
	}
	h.exec.RegisterBuiltin("broken", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("device unplugged")
	})
	h.exec.RegisterBuiltin("stuck", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	q := dispatch.New()
	t.Cleanup(func() { q.Close(context.Background()) })

	h.limiter = shield.NewLimiter(shield.WithLimiterClock(h.clock.Now))
	h.eng = NewEngine(h.sync, q, h.exec, h.limiter, append([]Option{WithClock(h.clock.Now)}, opts...)...)
	h.reg = NewRegistry(WithRegistryClock(h.clock.Now))
	return h
}

func (h *harness) open(t *testing.T) (*Session, *inbox) {
	t.Helper()
	in := newInbox()
	s := h.reg.Open(context.Background(), Peer{ClientID: "phone", RemoteAddr: "10.0.0.7"}, in)
	t.Cleanup(func() { h.reg.Close(s) })
	return s, in
}

func (h *harness) executed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *harness) save(t *testing.T, p *profiles.Profile) {
	t.Helper()
	if _, err := h.sync.Save(context.Background(), p, "test", "test"); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func deckProfile(id string, version int) *profiles.Profile {
	return &profiles.Profile{
		ID: id, Name: "Deck " + id, Rows: 2, Cols: 2, Version: version,
		Controls: []profiles.Control{
			{ID: "btn_save", Type: profiles.TypeButton, Row: 0, Col: 0,
				Action: &profiles.ControlAction{Type: "KEYBOARD", Payload: "CTRL+S"}},
			{ID: "fader_vol", Type: profiles.TypeFader, Row: 1, Col: 0, ColSpan: 2,
				Action: &profiles.ControlAction{Type: "AUDIO", Payload: `{"action":"SET_VOLUME"}`}},
			{ID: "btn_broken", Type: profiles.TypeButton, Row: 0, Col: 1,
				Action: &profiles.ControlAction{Type: "CUSTOM", Payload: `{"action":"broken"}`}},
		},
	}
}

func control(id, messageID string, value float64) []byte {
	return fmt.Appendf(nil, `{"kind":"control","controlId":%q,"type":"button","value":%v,"messageId":%q,"sentAt":1}`,
		id, value, messageID)
}

func selectFrame(t *testing.T, profileID, messageID string, profile *profiles.Profile, reset *bool) []byte {
	t.Helper()
	m := map[string]any{"kind": KindProfileSelect, "profileId": profileID, "messageId": messageID, "sentAt": 1}
	if profile != nil {
		m["profile"] = profile
	}
	if reset != nil {
		m["resetState"] = *reset
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func updateFrame(t *testing.T, messageID string, profile any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{"kind": KindProfileUpdate, "messageId": messageID, "sentAt": 1, "profile": profile})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestHeartbeat(t *testing.T) {
	h := newHarness(t)
	s, in := h.open(t)

	h.eng.HandleFrame(s, []byte(Heartbeat))
	a := in.next(t)
	if a.Type != TypeAck || a.Status != StatusOK || a.MessageID != "" {
		t.Fatalf("heartbeat ack = %+v", a)
	}
	if a.ReceivedAt != h.clock.Now().UnixMilli() {
		t.Fatalf("receivedAt = %d", a.ReceivedAt)
	}
}

func TestHeartbeat_ExemptFromConnectionLimit(t *testing.T) {
	h := newHarness(t)
	s, in := h.open(t)

	for i := 0; i < 40; i++ {
		h.eng.HandleFrame(s, []byte(Heartbeat))
		in.next(t)
	}
	h.eng.HandleFrame(s, control("btn1", "m1", 1))
	if a := in.next(t); a.Error == ErrTextRateLimited {
		t.Fatal("heartbeats consumed the connection budget")
	}
}

type kindLog struct {
	mu    sync.Mutex
	kinds []string
}

func (k *kindLog) ObserveMessage(kind string, _ time.Duration) {
	k.mu.Lock()
	k.kinds = append(k.kinds, kind)
	k.mu.Unlock()
}

func TestMessageObserver(t *testing.T) {
	obs := &kindLog{}
	h := newHarness(t, WithMessageObserver(obs))
	s, in := h.open(t)

	for _, f := range [][]byte{
		[]byte(Heartbeat),
		control("btn1", "m1", 1),
		[]byte("{not json"),
		[]byte(`{"kind":"telemetry","messageId":"m2"}`),
	} {
		h.eng.HandleFrame(s, f)
		in.next(t)
	}

	want := []string{"heartbeat", KindControl, "invalid", "telemetry"}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if diff := cmp.Diff(want, obs.kinds); diff != "" {
		t.Fatalf("observed kinds (-want +got):\n%s", diff)
	}
}

func TestUnmappedControl(t *testing.T) {
	h := newHarness(t)
	s, in := h.open(t)

	h.eng.HandleFrame(s, control("btn1", "m1", 1))
	a := in.next(t)
	want := &Ack{Type: TypeAck, MessageID: "m1", ControlID: "btn1", Status: StatusIgnored,
		Error: ErrTextNoMapping, ReceivedAt: h.clock.Now().UnixMilli()}
	if diff := cmp.Diff(want, a); diff != "" {
		t.Fatalf("ack mismatch (-want +got):\n%s", diff)
	}
	if v, ok := s.ControlState("btn1"); !ok || v != 1 {
		t.Fatalf("control state = %v, %v", v, ok)
	}
	if len(h.executed()) != 0 {
		t.Fatal("nothing should run")
	}
}

func TestInvalidFrames(t *testing.T) {
	tests := []struct {
		name      string
		frame     string
		messageID string
	}{
		{"not json", `{nope`, ""},
		{"array", `[1,2]`, ""},
		{"extra field", `{"controlId":"b","type":"x","value":1,"messageId":"m1","sentAt":1,"extra":true}`, "m1"},
		{"missing messageId", `{"controlId":"b","type":"x","value":1,"sentAt":1}`, ""},
		{"empty controlId", `{"controlId":"","type":"x","value":1,"messageId":"m2","sentAt":1}`, "m2"},
		{"string value", `{"controlId":"b","type":"x","value":"1","messageId":"m3","sentAt":1}`, "m3"},
		{"negative sentAt", `{"controlId":"b","type":"x","value":1,"messageId":"m4","sentAt":-1}`, "m4"},
		{"fractional sentAt", `{"controlId":"b","type":"x","value":1,"messageId":"m5","sentAt":1.5}`, "m5"},
		{"non-string meta", `{"controlId":"b","type":"x","value":1,"messageId":"m6","sentAt":1,"meta":{"a":1}}`, "m6"},
		{"non-string kind", `{"kind":7,"messageId":"m7"}`, "m7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			s, in := h.open(t)
			h.eng.HandleFrame(s, []byte(tt.frame))
			a := in.next(t)
			if a.Type != TypeAck || a.Status != StatusError || a.Error != ErrTextInvalidPayload {
				t.Fatalf("ack = %+v", a)
			}
			if a.MessageID != tt.messageID {
				t.Fatalf("messageId = %q, want %q", a.MessageID, tt.messageID)
			}
		})
	}
}

func TestControl_DefaultKindAndMeta(t *testing.T) {
	h := newHarness(t, WithGlobalMappings(action.Mapping{"btn1": action.Builtin{Verb: "keyboard"}}))
	s, in := h.open(t)

	h.eng.HandleFrame(s, []byte(`{"controlId":"btn1","type":"button","value":1,"meta":{"source":"tap"},"messageId":"m1","sentAt":0}`))
	if a := in.next(t); a.Status != StatusOK {
		t.Fatalf("ack = %+v", a)
	}
}

func TestUnknownKind(t *testing.T) {
	h := newHarness(t)
	s, in := h.open(t)

	h.eng.HandleFrame(s, []byte(`{"kind":"telemetry","messageId":"m1"}`))
	a := in.next(t)
	if a.Type != TypeError || a.Error != ErrTextUnknownKind || a.Kind != "telemetry" || a.Status != "" {
		t.Fatalf("reply = %+v", a)
	}

	// The session keeps working.
	h.eng.HandleFrame(s, []byte(Heartbeat))
	in.next(t)
}

func TestControl_DispatchedThroughProfileMappings(t *testing.T) {
	h := newHarness(t)
	h.save(t, deckProfile("p1", 1))
	s, in := h.open(t)

	h.eng.HandleFrame(s, selectFrame(t, "p1", "sel", nil, nil))
	if a := in.next(t); a.Status != StatusOK {
		t.Fatalf("select ack = %+v", a)
	}

	h.eng.HandleFrame(s, control("btn_save", "m1", 1))
	a := in.next(t)
	if a.Status != StatusOK || a.MessageID != "m1" || a.ControlID != "btn_save" || a.ProcessedAt == 0 {
		t.Fatalf("ack = %+v", a)
	}

	h.eng.HandleFrame(s, control("fader_vol", "m2", 0.42))
	if a := in.next(t); a.Status != StatusOK {
		t.Fatalf("ack = %+v", a)
	}

	want := []string{`keyboard "CTRL+S"`, `audio {"action":"SET_VOLUME","volume":42}`}
	if diff := cmp.Diff(want, h.executed()); diff != "" {
		t.Fatalf("executed (-want +got):\n%s", diff)
	}
}

func TestControl_SessionMappingsShadowGlobal(t *testing.T) {
	h := newHarness(t, WithGlobalMappings(action.Mapping{
		"btn_save": action.Builtin{Verb: "audio"},
		"extra":    action.Builtin{Verb: "audio", Data: json.RawMessage(`{"action":"MUTE"}`)},
	}))
	h.save(t, deckProfile("p1", 1))
	s, in := h.open(t)
	h.eng.HandleFrame(s, selectFrame(t, "p1", "sel", nil, nil))
	in.next(t)

	h.eng.HandleFrame(s, control("btn_save", "m1", 1))
	in.next(t)
	h.eng.HandleFrame(s, control("extra", "m2", 1))
	in.next(t)

	want := []string{`keyboard "CTRL+S"`, `audio {"action":"MUTE","mute":true}`}
	if diff := cmp.Diff(want, h.executed()); diff != "" {
		t.Fatalf("executed (-want +got):\n%s", diff)
	}
}

func TestControl_ExecutorFailure(t *testing.T) {
	h := newHarness(t)
	h.save(t, deckProfile("p1", 1))
	s, in := h.open(t)
	h.eng.HandleFrame(s, selectFrame(t, "p1", "sel", nil, nil))
	in.next(t)

	h.eng.HandleFrame(s, control("btn_broken", "m1", 1))
	a := in.next(t)
	if a.Status != StatusError || !strings.Contains(a.Error, "device unplugged") || a.ProcessedAt == 0 {
		t.Fatalf("ack = %+v", a)
	}
}

func TestControl_Timeout(t *testing.T) {
	h := newHarness(t,
		WithActionTimeout(30*time.Millisecond),
		WithGlobalMappings(action.Mapping{"btn1": action.Builtin{Verb: "stuck"}}))
	s, in := h.open(t)

	h.eng.HandleFrame(s, control("btn1", "m1", 1))
	a := in.next(t)
	if a.Status != StatusError || !strings.Contains(a.Error, "timed out") {
		t.Fatalf("ack = %+v", a)
	}
}

func TestControl_ActionRateLimit(t *testing.T) {
	h := newHarness(t, WithGlobalMappings(action.Mapping{"btn1": action.Builtin{Verb: "keyboard"}}))
	h.limiter.Configure(shield.ScopeAction, shield.Rule{Max: 2, Window: time.Second, Enabled: true})
	s, in := h.open(t)

	for i := 1; i <= 3; i++ {
		h.eng.HandleFrame(s, control("btn1", fmt.Sprintf("m%d", i), 1))
	}
	statuses := map[string]*Ack{}
	for i := 0; i < 3; i++ {
		a := in.next(t)
		statuses[a.MessageID] = a
	}
	if statuses["m1"].Status != StatusOK || statuses["m2"].Status != StatusOK {
		t.Fatalf("first two should pass: %+v %+v", statuses["m1"], statuses["m2"])
	}
	third := statuses["m3"]
	if third.Status != StatusError || third.Error != ErrTextActionRateLimited || third.RetryAfter != 1 {
		t.Fatalf("third ack = %+v", third)
	}
	if n := len(h.executed()); n != 2 {
		t.Fatalf("executed %d times, want 2", n)
	}

	h.clock.Advance(time.Second)
	h.eng.HandleFrame(s, control("btn1", "m4", 1))
	if a := in.next(t); a.Status != StatusOK {
		t.Fatalf("after the window: %+v", a)
	}
}

func TestControl_RateLimitedMessageCanBeRetried(t *testing.T) {
	h := newHarness(t, WithGlobalMappings(action.Mapping{"btn1": action.Builtin{Verb: "keyboard"}}))
	h.limiter.Configure(shield.ScopeAction, shield.Rule{Max: 1, Window: time.Second, Enabled: true})
	s, in := h.open(t)

	h.eng.HandleFrame(s, control("btn1", "m1", 1))
	if a := in.next(t); a.Status != StatusOK {
		t.Fatalf("m1 ack = %+v", a)
	}
	h.eng.HandleFrame(s, control("btn1", "m2", 1))
	a := in.next(t)
	if a.Status != StatusError || a.Error != ErrTextActionRateLimited || a.RetryAfter != 1 {
		t.Fatalf("m2 ack = %+v", a)
	}

	h.clock.Advance(time.Duration(a.RetryAfter)*time.Second + time.Second)
	h.eng.HandleFrame(s, control("btn1", "m2", 1))
	if a := in.next(t); a.Status != StatusOK || a.MessageID != "m2" {
		t.Fatalf("retried m2 ack = %+v", a)
	}
	if n := len(h.executed()); n != 2 {
		t.Fatalf("executed %d times, want 2", n)
	}
}

func TestAckCache_Release(t *testing.T) {
	var c ackCache
	c.claim("a")
	c.claim("b")
	c.settle("a", &Ack{Status: StatusOK})
	c.release("a")
	c.release("missing")

	if _, dup := c.claim("a"); dup {
		t.Fatal("released id still claimed")
	}
	if _, dup := c.claim("b"); !dup {
		t.Fatal("b should still be claimed")
	}
	if diff := cmp.Diff([]string{"b", "a"}, c.order); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}
}

func TestConnectionRateLimit(t *testing.T) {
	h := newHarness(t)
	s, in := h.open(t)

	for i := 0; i < 15; i++ {
		h.eng.HandleFrame(s, control("btn1", fmt.Sprintf("m%d", i), 1))
		if a := in.next(t); a.Error == ErrTextRateLimited {
			t.Fatalf("frame %d limited too early", i)
		}
	}
	h.eng.HandleFrame(s, control("btn1", "m15", 1))
	a := in.next(t)
	if a.Status != StatusError || a.Error != ErrTextRateLimited || a.MessageID != "m15" {
		t.Fatalf("16th frame ack = %+v", a)
	}
	if _, ok := s.ControlState("btn1"); !ok {
		t.Fatal("earlier frames should have recorded state")
	}

	h.clock.Advance(time.Second)
	h.eng.HandleFrame(s, control("btn1", "m16", 1))
	if a := in.next(t); a.Error == ErrTextRateLimited {
		t.Fatal("window did not slide")
	}
}

func TestControl_DuplicateMessageExecutesOnce(t *testing.T) {
	h := newHarness(t, WithGlobalMappings(action.Mapping{"btn1": action.Builtin{Verb: "keyboard"}}))
	s, in := h.open(t)

	h.eng.HandleFrame(s, control("btn1", "m1", 1))
	first := in.next(t)

	h.eng.HandleFrame(s, control("btn1", "m1", 1))
	replay := in.next(t)
	if diff := cmp.Diff(first, replay); diff != "" {
		t.Fatalf("replayed ack differs:\n%s", diff)
	}
	if n := len(h.executed()); n != 1 {
		t.Fatalf("executed %d times, want 1", n)
	}
}

func TestControl_DuplicateInFlightGetsNoSecondAck(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, WithGlobalMappings(action.Mapping{"btn1": action.Builtin{Verb: "slow"}}))
	h.exec.RegisterBuiltin("slow", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})
	s, in := h.open(t)

	h.eng.HandleFrame(s, control("btn1", "m1", 1))
	h.eng.HandleFrame(s, control("btn1", "m1", 1))
	in.empty(t, 50*time.Millisecond)

	close(release)
	if a := in.next(t); a.Status != StatusOK {
		t.Fatalf("ack = %+v", a)
	}
	in.empty(t, 50*time.Millisecond)
}

func TestSessionClose_DiscardsInFlightAck(t *testing.T) {
	h := newHarness(t, WithGlobalMappings(action.Mapping{"btn1": action.Builtin{Verb: "stuck"}}))
	in := newInbox()
	s := h.reg.Open(context.Background(), Peer{}, in)

	h.eng.HandleFrame(s, control("btn1", "m1", 1))
	h.reg.Close(s)
	in.empty(t, 50*time.Millisecond)
	if h.reg.Len() != 0 {
		t.Fatalf("registry still holds %d sessions", h.reg.Len())
	}
}

func TestSelect_NewerIncomingPersisted(t *testing.T) {
	h := newHarness(t)
	h.save(t, deckProfile("p1", 3))
	s, in := h.open(t)

	incoming := deckProfile("p1", 4)
	incoming.Name = "Edited on phone"
	incoming.Checksum = "client-side"
	h.eng.HandleFrame(s, selectFrame(t, "p1", "sel", incoming, nil))

	a := in.next(t)
	if a.Type != TypeSelectAck || a.Status != StatusOK || a.MessageID != "sel" || a.ProfileID != "p1" {
		t.Fatalf("ack = %+v", a)
	}
	if a.Profile.Version != 4 || a.Profile.Name != "Edited on phone" {
		t.Fatalf("profile = v%d %q", a.Profile.Version, a.Profile.Name)
	}
	stored, _ := h.sync.Get(context.Background(), "p1")
	if stored.Version != 4 || stored.Checksum != profiles.Checksum(stored) {
		t.Fatalf("stored = v%d checksum %q", stored.Version, stored.Checksum)
	}
	if *a.MappingsCount != 3 || s.ActiveProfileID() != "p1" {
		t.Fatalf("mappings = %d, active = %q", *a.MappingsCount, s.ActiveProfileID())
	}
}

func TestSelect_OlderIncomingUsesDisk(t *testing.T) {
	h := newHarness(t)
	h.save(t, deckProfile("p1", 3))
	before, _ := h.sync.Get(context.Background(), "p1")
	s, in := h.open(t)

	old := deckProfile("p1", 2)
	old.Name = "Stale"
	h.eng.HandleFrame(s, selectFrame(t, "p1", "sel", old, nil))

	a := in.next(t)
	if diff := cmp.Diff(before, a.Profile); diff != "" {
		t.Fatalf("ack profile is not the disk copy (-disk +ack):\n%s", diff)
	}
	after, _ := h.sync.Get(context.Background(), "p1")
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("disk changed:\n%s", diff)
	}
}

func TestSelect_ScenarioStoredV3(t *testing.T) {
	h := newHarness(t)
	h.save(t, deckProfile("p1", 3))
	s, in := h.open(t)

	h.eng.HandleFrame(s, selectFrame(t, "p1", "sel", nil, nil))
	a := in.next(t)
	if a.Status != StatusOK || a.Profile.Version != 3 || *a.MappingsCount != 3 {
		t.Fatalf("ack = %+v", a)
	}
}

func TestSelect_NotFound(t *testing.T) {
	h := newHarness(t)
	s, in := h.open(t)

	h.eng.HandleFrame(s, selectFrame(t, "ghost", "sel", nil, nil))
	a := in.next(t)
	if a.Type != TypeSelectAck || a.Status != StatusError || a.Error != ErrTextProfileNotFound || a.ProfileID != "ghost" {
		t.Fatalf("ack = %+v", a)
	}
}

func TestSelect_InvalidPayload(t *testing.T) {
	h := newHarness(t)
	s, in := h.open(t)

	h.eng.HandleFrame(s, []byte(`{"kind":"profile:select","messageId":"sel","sentAt":1}`))
	a := in.next(t)
	if a.Type != TypeSelectAck || a.Error != ErrTextInvalidPayload || a.MessageID != "sel" {
		t.Fatalf("ack = %+v", a)
	}
}

func TestSelect_ResetState(t *testing.T) {
	h := newHarness(t)
	h.save(t, deckProfile("p1", 1))
	s, in := h.open(t)

	h.eng.HandleFrame(s, control("fader_vol", "m1", 0.3))
	in.next(t)

	keep := false
	h.eng.HandleFrame(s, selectFrame(t, "p1", "sel1", nil, &keep))
	in.next(t)
	if _, ok := s.ControlState("fader_vol"); !ok {
		t.Fatal("resetState:false dropped control states")
	}

	h.eng.HandleFrame(s, selectFrame(t, "p1", "sel2", nil, nil))
	in.next(t)
	if len(s.ControlStates()) != 0 {
		t.Fatalf("control states not cleared: %v", s.ControlStates())
	}
}

func TestSelect_RepeatedSelectSameMappings(t *testing.T) {
	h := newHarness(t)
	h.save(t, deckProfile("p1", 1))
	s, in := h.open(t)

	h.eng.HandleFrame(s, selectFrame(t, "p1", "sel1", nil, nil))
	in.next(t)
	first := s.mappings

	h.eng.HandleFrame(s, selectFrame(t, "p1", "sel2", nil, nil))
	in.next(t)
	if diff := cmp.Diff(first, s.mappings); diff != "" {
		t.Fatalf("mappings differ between selections:\n%s", diff)
	}
}

func TestUpdate_ScenarioStaleVersions(t *testing.T) {
	h := newHarness(t)
	h.save(t, deckProfile("p1", 5))
	s, in := h.open(t)

	h.eng.HandleFrame(s, updateFrame(t, "u1", deckProfile("p1", 1)))
	a := in.next(t)
	if a.Type != TypeUpdateAck || a.Status != StatusOK || a.MessageID != "u1" || a.ProfileID != "p1" {
		t.Fatalf("first ack = %+v", a)
	}
	if *a.Version != 6 || !*a.Conflict || *a.PreviousVersion != 5 {
		t.Fatalf("first ack: version %d conflict %v previous %d", *a.Version, *a.Conflict, *a.PreviousVersion)
	}

	h.eng.HandleFrame(s, updateFrame(t, "u2", deckProfile("p1", 1)))
	a = in.next(t)
	if *a.Version != 7 || !*a.Conflict || *a.PreviousVersion != 6 {
		t.Fatalf("second ack: version %d conflict %v previous %d", *a.Version, *a.Conflict, *a.PreviousVersion)
	}
}

func TestUpdate_NewProfile(t *testing.T) {
	h := newHarness(t)
	s, in := h.open(t)

	h.eng.HandleFrame(s, updateFrame(t, "u1", deckProfile("fresh", 0)))
	a := in.next(t)
	if a.Status != StatusOK || *a.Version != 1 || *a.Conflict || a.PreviousVersion != nil {
		t.Fatalf("ack = %+v", a)
	}
	raw, _ := json.Marshal(a)
	if !strings.Contains(string(raw), `"conflict":false`) {
		t.Fatalf("conflict:false must be sent: %s", raw)
	}
}

func TestUpdate_InvalidProfile(t *testing.T) {
	h := newHarness(t)
	s, in := h.open(t)

	bad := deckProfile("p1", 1)
	bad.Rows = 0
	bad.Name = ""
	h.eng.HandleFrame(s, updateFrame(t, "u1", bad))
	a := in.next(t)
	if a.Status != StatusError || a.Error != ErrTextInvalidProfile || len(a.Details) != 2 {
		t.Fatalf("ack = %+v", a)
	}
	if _, err := h.sync.Get(context.Background(), "p1"); err == nil {
		t.Fatal("invalid profile persisted")
	}

	h.eng.HandleFrame(s, updateFrame(t, "u2", "not an object"))
	if a := in.next(t); a.Error != ErrTextInvalidProfile {
		t.Fatalf("ack = %+v", a)
	}
}

func TestUpdate_ValidatorMissing(t *testing.T) {
	h := newHarness(t, WithValidator(nil))
	s, in := h.open(t)

	h.eng.HandleFrame(s, updateFrame(t, "u1", deckProfile("p1", 1)))
	a := in.next(t)
	if a.Type != TypeUpdateAck || a.Status != StatusError || a.Error != ErrTextValidatorMissing || a.MessageID != "u1" {
		t.Fatalf("ack = %+v", a)
	}
}
