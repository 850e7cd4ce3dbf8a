package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/controldeck/action"
	"github.com/hazyhaar/controldeck/dbopen"
)

func TestExecute_Builtin(t *testing.T) {
	r := New()
	var got json.RawMessage
	r.RegisterBuiltin("keyboard", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		got = payload
		return json.RawMessage(`{"ok":true}`), nil
	})

	resp, err := r.Execute(context.Background(), action.Builtin{Verb: "keyboard", Data: json.RawMessage(`"CTRL+S"`)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(got) != `"CTRL+S"` {
		t.Fatalf("payload = %s", got)
	}
	if string(resp) != `{"ok":true}` {
		t.Fatalf("resp = %s", resp)
	}
}

func TestExecute_UnknownVerb(t *testing.T) {
	r := New()
	_, err := r.Execute(context.Background(), action.Builtin{Verb: "teleport"})
	var uv *ErrUnknownVerb
	if !errors.As(err, &uv) {
		t.Fatalf("expected ErrUnknownVerb, got %T: %v", err, err)
	}
	if uv.Verb != "teleport" {
		t.Fatalf("got verb %q, want %q", uv.Verb, "teleport")
	}
}

func TestExecute_Plugin(t *testing.T) {
	r := New()
	var gotVerb string
	r.RegisterPlugin("spotify", func(ctx context.Context, verb string, payload json.RawMessage) (json.RawMessage, error) {
		gotVerb = verb
		return nil, nil
	})

	if _, err := r.Execute(context.Background(), action.Parse("spotify:next", nil)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotVerb != "next" {
		t.Fatalf("verb = %q, want next", gotVerb)
	}

	_, err := r.Execute(context.Background(), action.Parse("discord:mute", nil))
	var nf *ErrPluginNotFound
	if !errors.As(err, &nf) || nf.Namespace != "discord" {
		t.Fatalf("expected ErrPluginNotFound(discord), got %v", err)
	}
}

func TestEnableDisable(t *testing.T) {
	r := New()
	r.RegisterPlugin("obs-ext", func(ctx context.Context, verb string, payload json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	ctx := context.Background()

	if err := r.Disable(ctx, "obs-ext"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	_, err := r.Execute(ctx, action.Parse("obs-ext:scene", nil))
	var pd *ErrPluginDisabled
	if !errors.As(err, &pd) {
		t.Fatalf("expected ErrPluginDisabled, got %v", err)
	}

	if err := r.Enable(ctx, "obs-ext"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if _, err := r.Execute(ctx, action.Parse("obs-ext:scene", nil)); err != nil {
		t.Fatalf("Execute after enable: %v", err)
	}

	var nf *ErrPluginNotFound
	if err := r.Disable(ctx, "ghost"); !errors.As(err, &nf) {
		t.Fatalf("Disable(ghost) = %v, want ErrPluginNotFound", err)
	}
}

func TestStatePersistence(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	ctx := context.Background()
	noop := func(ctx context.Context, verb string, payload json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}

	r1 := New(WithStateDB(db))
	r1.RegisterPlugin("spotify", noop)
	if err := r1.Disable(ctx, "spotify"); err != nil {
		t.Fatalf("Disable: %v", err)
	}

	r2 := New(WithStateDB(db))
	r2.RegisterPlugin("spotify", noop)
	if info, _ := r2.Inspect("spotify"); !info.Enabled {
		t.Fatal("fresh registration should start enabled")
	}
	if err := r2.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if info, _ := r2.Inspect("spotify"); info.Enabled {
		t.Fatal("stored disabled flag not applied")
	}
}

func TestExecute_PanicRecovered(t *testing.T) {
	r := New()
	r.RegisterBuiltin("script", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		panic("boom")
	})
	_, err := r.Execute(context.Background(), action.Builtin{Verb: "script"})
	var pe *ErrPanic
	if !errors.As(err, &pe) {
		t.Fatalf("expected ErrPanic, got %T: %v", err, err)
	}
	if pe.Value != "boom" {
		t.Fatalf("panic value = %v", pe.Value)
	}
}

func TestExecute_BreakerOpensPerPlugin(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	r := New(WithBreakerOptions(WithBreakerThreshold(2), WithBreakerResetTimeout(time.Minute), WithBreakerClock(clock)))

	calls := 0
	r.RegisterPlugin("flaky", func(ctx context.Context, verb string, payload json.RawMessage) (json.RawMessage, error) {
		calls++
		return nil, errors.New("down")
	})
	r.RegisterPlugin("fine", func(ctx context.Context, verb string, payload json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	ctx := context.Background()

	r.Execute(ctx, action.Parse("flaky:x", nil))
	r.Execute(ctx, action.Parse("flaky:x", nil))

	_, err := r.Execute(ctx, action.Parse("flaky:x", nil))
	var co *ErrCircuitOpen
	if !errors.As(err, &co) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("plugin called %d times, want 2", calls)
	}
	if _, err := r.Execute(ctx, action.Parse("fine:x", nil)); err != nil {
		t.Fatalf("other plugin affected: %v", err)
	}
	info, _ := r.Inspect("flaky")
	if info.Breaker != "open" || info.Health == nil || info.Health.Trips != 1 || info.Health.LastError != "down" {
		t.Fatalf("flaky info = %+v %+v", info, info.Health)
	}
	if !info.Health.ReopensAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("reopens at %v", info.Health.ReopensAt)
	}
	if err := r.Enable(ctx, "flaky"); err != nil {
		t.Fatal(err)
	}
	if info, _ := r.Inspect("flaky"); info.Breaker != "closed" || info.Health.Failures != 0 {
		t.Fatalf("after enable: %+v", info.Health)
	}
}

type recorder struct {
	mu   sync.Mutex
	ids  []string
	errs int
}

func (rc *recorder) ObserveAction(id string, d time.Duration, err error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.ids = append(rc.ids, id)
	if err != nil {
		rc.errs++
	}
}

func TestExecute_Observer(t *testing.T) {
	rc := &recorder{}
	r := New(WithObserver(rc))
	RegisterDefaults(r, nil)

	if _, err := r.Execute(context.Background(), action.Builtin{Verb: "media"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rc.ids) != 1 || rc.ids[0] != "media" || rc.errs != 0 {
		t.Fatalf("observed %v (errs %d)", rc.ids, rc.errs)
	}
}

func TestPlugins_Sorted(t *testing.T) {
	r := New()
	noop := func(ctx context.Context, verb string, payload json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}
	r.RegisterPlugin("zeta", noop)
	r.RegisterPlugin("alpha", noop)
	RegisterDefaults(r, nil)

	got := r.Plugins()
	if len(got) != 2 || got[0].Name != "alpha" || got[1].Name != "zeta" {
		t.Fatalf("Plugins() = %+v", got)
	}
}
