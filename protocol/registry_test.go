package protocol

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hazyhaar/controldeck/idgen"
	"github.com/hazyhaar/controldeck/kit"
)

func TestRegistry_Lifecycle(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	reg := NewRegistry(
		WithSessionIDs(idgen.Sequence("s")),
		WithRegistryClock(func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }),
	)
	nop := SenderFunc(func(context.Context, *Ack) error { return nil })

	a := reg.Open(context.Background(), Peer{ClientID: "phone", Authenticated: true}, nop)
	b := reg.Open(context.Background(), Peer{RemoteAddr: "10.0.0.2"}, nop)

	if reg.Len() != 2 || reg.Total() != 2 {
		t.Fatalf("len %d total %d", reg.Len(), reg.Total())
	}
	if b.ClientID == "" {
		t.Fatal("client id not generated")
	}
	if got := kit.GetSessionID(a.Context()); got != a.ID {
		t.Fatalf("session id in context = %q, want %q", got, a.ID)
	}
	if got := kit.GetClientID(a.Context()); got != "phone" {
		t.Fatalf("client id in context = %q", got)
	}

	list := reg.List()
	if len(list) != 2 || list[0].ID != a.ID || !list[0].Authenticated || list[1].RemoteAddr != "10.0.0.2" {
		t.Fatalf("list = %+v", list)
	}

	reg.Close(a)
	reg.Close(a)
	if _, ok := reg.Get(a.ID); ok {
		t.Fatal("closed session still registered")
	}
	if a.Context().Err() == nil {
		t.Fatal("closed session context not cancelled")
	}
	if reg.Len() != 1 || reg.Total() != 2 {
		t.Fatalf("after close: len %d total %d", reg.Len(), reg.Total())
	}

	reg.CloseAll()
	if reg.Len() != 0 {
		t.Fatalf("CloseAll left %d sessions", reg.Len())
	}
}

func TestAckCache_Evicts(t *testing.T) {
	var c ackCache
	for i := 0; i < ackCacheSize+10; i++ {
		c.claim(fmt.Sprint("m", i))
	}
	if len(c.entries) != ackCacheSize || len(c.order) != ackCacheSize {
		t.Fatalf("entries %d order %d, want %d", len(c.entries), len(c.order), ackCacheSize)
	}

	var d ackCache
	if _, dup := d.claim("m1"); dup {
		t.Fatal("first claim reported duplicate")
	}
	if a, dup := d.claim("m1"); !dup || a != nil {
		t.Fatalf("pending claim = %v, %v", a, dup)
	}
	d.settle("m1", &Ack{Status: StatusOK})
	if a, dup := d.claim("m1"); !dup || a == nil || a.Status != StatusOK {
		t.Fatalf("settled claim = %v, %v", a, dup)
	}
}
