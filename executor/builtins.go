package executor

import (
	"context"
	"encoding/json"
	"log/slog"
)

// BuiltinVerbs are the verbs a profile control can name directly.
var BuiltinVerbs = []string{
	"keyboard", "obs", "audio", "script", "media", "system",
	"window", "clipboard", "screenshot", "process", "file", "custom",
}

// RegisterDefaults registers a handler for every builtin verb that only logs
// the call. Hosts replace them with RegisterBuiltin.
func RegisterDefaults(r *Registry, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, verb := range BuiltinVerbs {
		r.RegisterBuiltin(verb, logOnly(logger, verb))
	}
}

func logOnly(logger *slog.Logger, verb string) Handler {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		logger.InfoContext(ctx, "builtin action", "verb", verb, "payload", string(payload))
		return nil, nil
	}
}
