package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var errDown = errors.New("obs websocket unreachable")

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(
		WithBreakerThreshold(3),
		WithBreakerResetTimeout(10*time.Second),
		WithBreakerHalfOpenMax(2),
		WithBreakerClock(func() time.Time { return now }),
	)

	for i := 0; i < 3; i++ {
		if !cb.Allow() {
			t.Fatalf("call %d rejected while closed", i)
		}
		cb.RecordFailure(errDown)
	}
	if cb.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	if cb.Allow() {
		t.Fatal("open breaker allowed a call")
	}

	now = now.Add(10 * time.Second)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}

	for i := 0; i < 2; i++ {
		if !cb.Allow() {
			t.Fatalf("trial %d rejected", i)
		}
		cb.RecordSuccess()
	}
	if cb.State() != BreakerClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(
		WithBreakerThreshold(1),
		WithBreakerResetTimeout(time.Second),
		WithBreakerClock(func() time.Time { return now }),
	)
	cb.RecordFailure(errDown)
	now = now.Add(time.Second)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}
	cb.Allow()
	cb.RecordFailure(errDown)
	if cb.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	if st := cb.Status(); st.Trips != 2 || !st.ReopensAt.Equal(now.Add(time.Second)) {
		t.Fatalf("status = %+v", st)
	}
}

func TestCircuitBreaker_OneTrialAtATime(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(
		WithBreakerThreshold(1),
		WithBreakerResetTimeout(time.Second),
		WithBreakerClock(func() time.Time { return now }),
	)
	cb.RecordFailure(errDown)
	now = now.Add(time.Second)

	if !cb.Allow() {
		t.Fatal("first trial rejected")
	}
	if cb.Allow() {
		t.Fatal("second trial admitted while the first is in flight")
	}
	cb.release()
	if !cb.Allow() {
		t.Fatal("trial slot not returned")
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(WithBreakerThreshold(2))
	cb.RecordFailure(errDown)
	cb.RecordSuccess()
	cb.RecordFailure(errDown)
	if cb.State() != BreakerClosed {
		t.Fatal("non-consecutive failures opened the breaker")
	}
}

func TestCircuitBreaker_TransitionsReported(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var seen []string
	cb := NewCircuitBreaker(
		WithBreakerThreshold(1),
		WithBreakerResetTimeout(time.Second),
		WithBreakerHalfOpenMax(1),
		WithBreakerClock(func() time.Time { return now }),
		onBreakerChange(func(from, to BreakerState) { seen = append(seen, from.String()+">"+to.String()) }),
	)
	cb.RecordFailure(errDown)
	now = now.Add(time.Second)
	cb.Allow()
	cb.RecordSuccess()
	cb.Reset()

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Fatalf("transitions (-want +got):\n%s", diff)
	}
}

func TestWithCircuitBreaker_SessionCancelIsNotAFault(t *testing.T) {
	cb := NewCircuitBreaker(WithBreakerThreshold(1))
	h := WithCircuitBreaker(cb, "obs")(func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if st := cb.Status(); st.State != BreakerClosed || st.Failures != 0 {
		t.Fatalf("status after cancel = %+v", st)
	}
}

func TestWithCircuitBreaker_OpenCarriesRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(
		WithBreakerThreshold(1),
		WithBreakerResetTimeout(30*time.Second),
		WithBreakerClock(func() time.Time { return now }),
	)
	h := WithCircuitBreaker(cb, "obs")(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errDown
	})
	h(context.Background(), nil)

	now = now.Add(10 * time.Second)
	_, err := h(context.Background(), nil)
	var co *ErrCircuitOpen
	if !errors.As(err, &co) || co.Namespace != "obs" || co.RetryAfter != 20*time.Second {
		t.Fatalf("err = %#v", err)
	}
	if st := cb.Status(); st.LastError != errDown.Error() || st.Failures != 1 {
		t.Fatalf("status = %+v", st)
	}
}
