package executor

import (
	"fmt"
	"time"
)

// ErrUnknownVerb is returned when a builtin action names a verb with no
// registered handler.
type ErrUnknownVerb struct {
	Verb string
}

func (e *ErrUnknownVerb) Error() string {
	return fmt.Sprintf("executor: unknown action verb: %s", e.Verb)
}

// ErrPluginNotFound is returned when a plugin action targets a namespace
// nobody registered.
type ErrPluginNotFound struct {
	Namespace string
}

func (e *ErrPluginNotFound) Error() string {
	return fmt.Sprintf("executor: plugin not found: %s", e.Namespace)
}

// ErrPluginDisabled is returned for actions of a registered but disabled
// plugin.
type ErrPluginDisabled struct {
	Namespace string
}

func (e *ErrPluginDisabled) Error() string {
	return fmt.Sprintf("executor: plugin disabled: %s", e.Namespace)
}

// ErrCircuitOpen is returned when the breaker of a plugin is open and the
// call was rejected without reaching the plugin. RetryAfter is zero while a
// recovery trial is already in flight.
type ErrCircuitOpen struct {
	Namespace  string
	RetryAfter time.Duration
}

func (e *ErrCircuitOpen) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("executor: circuit open: %s (retry in %s)", e.Namespace, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("executor: circuit open: %s", e.Namespace)
}

// ErrPanic wraps a recovered panic value as an error.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("executor: handler panicked: %v", e.Value)
}
