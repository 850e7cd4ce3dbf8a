package profiles

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/hazyhaar/controldeck/action"
)

// builtinTypes maps an action type tag to its builtin verb.
var builtinTypes = map[string]string{
	"KEYBOARD":   "keyboard",
	"OBS":        "obs",
	"AUDIO":      "audio",
	"SCRIPT":     "script",
	"MEDIA":      "media",
	"SYSTEM":     "system",
	"WINDOW":     "window",
	"CLIPBOARD":  "clipboard",
	"SCREENSHOT": "screenshot",
	"PROCESS":    "process",
	"FILE":       "file",
}

// DeriveMappings resolves every control's action tag. Controls without an
// action, or whose untyped payload cannot be parsed, are left out (inert).
// The result depends only on p.
func DeriveMappings(p *Profile, logger *slog.Logger) action.Mapping {
	if logger == nil {
		logger = slog.Default()
	}
	m := make(action.Mapping, len(p.Controls))
	for _, c := range p.Controls {
		if c.Action == nil {
			continue
		}
		a, ok := resolve(c.Action)
		if !ok {
			logger.Warn("profiles: unknown action type, control left inert",
				"profile_id", p.ID, "control_id", c.ID, "type", c.Action.Type)
			continue
		}
		if c.Action.Type != "CUSTOM" && builtinTypes[c.Action.Type] == "" {
			logger.Warn("profiles: inferred action from payload",
				"profile_id", p.ID, "control_id", c.ID, "type", c.Action.Type, "inferred", a.ID())
		}
		m[c.ID] = a
	}
	logger.Debug("profiles: mappings derived", "profile_id", p.ID, "mappings", len(m))
	return m
}

func resolve(ca *ControlAction) (action.Action, bool) {
	if verb, ok := builtinTypes[ca.Type]; ok {
		return action.Builtin{Verb: verb, Data: rawPayload(ca.Payload)}, true
	}

	obj, parsed := parseObject(ca.Payload)
	if ca.Type == "CUSTOM" {
		if obj == nil {
			return action.Builtin{Verb: "custom", Data: rawPayload(ca.Payload)}, true
		}
		if ns := stringField(obj, "plugin"); ns != "" {
			return pluginAction(ns, obj), true
		}
		if verb := stringField(obj, "action"); verb != "" {
			data, ok := truthy(obj["payload"])
			if !ok {
				rest := make(map[string]json.RawMessage, len(obj))
				for k, v := range obj {
					if k != "action" {
						rest[k] = v
					}
				}
				data = marshal(rest)
			}
			return action.Parse(verb, data), true
		}
		return action.Builtin{Verb: "custom", Data: rawPayload(ca.Payload)}, true
	}

	// Missing or unknown type: infer from the payload, or give up if it is
	// not JSON at all.
	if !parsed {
		return nil, false
	}
	if obj != nil {
		if ns := stringField(obj, "plugin"); ns != "" {
			return pluginAction(ns, obj), true
		}
		if verb := stringField(obj, "action"); verb != "" {
			data, ok := truthy(obj["payload"])
			if !ok {
				data = marshal(obj)
			}
			return action.Parse(verb, data), true
		}
	}
	return action.Builtin{Verb: "custom", Data: rawPayload(ca.Payload)}, true
}

func pluginAction(ns string, obj map[string]json.RawMessage) action.Action {
	verb := stringField(obj, "action")
	if verb == "" {
		verb = "execute"
	}
	data, ok := truthy(obj["payload"])
	if !ok {
		data = marshal(obj)
	}
	return action.Plugin{Namespace: ns, Verb: verb, Data: data}
}

// parseObject decodes s. parsed reports whether s is valid JSON (an empty
// payload counts as {}); obj is non-nil only for JSON objects.
func parseObject(s string) (obj map[string]json.RawMessage, parsed bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return map[string]json.RawMessage{}, true
	}
	if !json.Valid([]byte(s)) {
		return nil, false
	}
	if s[0] != '{' {
		return nil, true
	}
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func stringField(obj map[string]json.RawMessage, key string) string {
	var s string
	if raw, ok := obj[key]; ok && json.Unmarshal(raw, &s) == nil {
		return s
	}
	return ""
}

// truthy returns raw unless it is absent or a JSON falsy value.
func truthy(raw json.RawMessage) (json.RawMessage, bool) {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", "false", "0", `""`:
		return nil, false
	}
	return raw, true
}

// rawPayload carries a JSON document through as-is and wraps anything else
// (key chords, OBS request names) as a JSON string.
func rawPayload(s string) json.RawMessage {
	t := strings.TrimSpace(s)
	if t == "" {
		return nil
	}
	if (t[0] == '{' || t[0] == '[') && json.Valid([]byte(t)) {
		return json.RawMessage(t)
	}
	return marshal(s)
}

func marshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
