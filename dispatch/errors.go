package dispatch

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned by a Future whose task did not settle in time.
type ErrTimeout struct {
	ActionID string
	After    time.Duration
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("dispatch: action %s timed out after %s", e.ActionID, e.After)
}

var (
	// ErrQueueClosed is returned by Enqueue after Close, and by the futures
	// of items still queued when Close runs.
	ErrQueueClosed = errors.New("dispatch: queue closed")
	// ErrCancelled completes the future of an item removed by Cancel or
	// Clear, or whose context ended before it started.
	ErrCancelled = errors.New("dispatch: action cancelled")
)
