package dispatch

import (
	"context"
	"encoding/json"
	"sync"
)

// Future is the pending result of an enqueued task. It completes exactly
// once: with the task's result, or with ErrTimeout, ErrCancelled or
// ErrQueueClosed.
type Future struct {
	id   string
	done chan struct{}
	once sync.Once

	result json.RawMessage
	err    error
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// ID is the queue-assigned action id, usable with Queue.Cancel.
func (f *Future) ID() string { return f.id }

// Done is closed once the future completes.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future completes or ctx ends.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// complete reports whether this call settled the future.
func (f *Future) complete(result json.RawMessage, err error) bool {
	settled := false
	f.once.Do(func() {
		f.result, f.err = result, err
		close(f.done)
		settled = true
	})
	return settled
}
