// Package action defines the resolved action a control is bound to. An
// action is either a builtin verb ("keyboard", "obs", ...) handled in-process
// or a plugin call addressed as "namespace:verb". The set is closed: only
// Builtin and Plugin implement Action.
package action

import (
	"encoding/json"
	"strings"
)

// Action is a resolved action tag plus its serialized payload.
type Action interface {
	// ID is the routing key: the verb for builtins, "namespace:verb" for
	// plugins. It also keys the per-action rate limit.
	ID() string
	// Payload is the JSON payload handed to the executor. May be nil.
	Payload() json.RawMessage
	// WithPayload returns a copy carrying p.
	WithPayload(p json.RawMessage) Action

	sealed()
}

// Builtin is an in-process verb.
type Builtin struct {
	Verb string
	Data json.RawMessage
}

func (b Builtin) ID() string                           { return b.Verb }
func (b Builtin) Payload() json.RawMessage             { return b.Data }
func (b Builtin) WithPayload(p json.RawMessage) Action { b.Data = p; return b }
func (Builtin) sealed()                                {}

// Plugin is a verb served by a plugin registered under Namespace.
type Plugin struct {
	Namespace string
	Verb      string
	Data      json.RawMessage
}

func (p Plugin) ID() string                           { return p.Namespace + ":" + p.Verb }
func (p Plugin) Payload() json.RawMessage             { return p.Data }
func (p Plugin) WithPayload(d json.RawMessage) Action { p.Data = d; return p }
func (Plugin) sealed()                                {}

// Parse splits an action id into Builtin or Plugin. An id with an empty
// namespace or verb around the colon is treated as a builtin verb.
func Parse(id string, payload json.RawMessage) Action {
	ns, verb, ok := strings.Cut(id, ":")
	if ok && ns != "" && verb != "" {
		return Plugin{Namespace: ns, Verb: verb, Data: payload}
	}
	return Builtin{Verb: id, Data: payload}
}

// Mapping binds a control id to its resolved action.
type Mapping map[string]Action
