package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"time"
)

// HandlerMiddleware wraps a Handler without changing its signature.
type HandlerMiddleware func(next Handler) Handler

// Chain composes middlewares left-to-right: the first one is the outermost
// wrapper.
func Chain(mws ...HandlerMiddleware) HandlerMiddleware {
	return func(next Handler) Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging logs every call with its duration. Failures log at Error level.
func Logging(logger *slog.Logger, actionID string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			start := time.Now()
			resp, err := next(ctx, payload)
			dur := time.Since(start)

			if err != nil {
				logger.ErrorContext(ctx, "action failed",
					"action", actionID,
					"duration_ms", dur.Milliseconds(),
					"payload_bytes", len(payload),
					"error", err)
			} else {
				logger.DebugContext(ctx, "action ok",
					"action", actionID,
					"duration_ms", dur.Milliseconds(),
					"payload_bytes", len(payload),
					"response_bytes", len(resp))
			}
			return resp, err
		}
	}
}

// Recovery turns a panic in a downstream handler into an *ErrPanic.
func Recovery(logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload json.RawMessage) (resp json.RawMessage, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "action panic recovered",
						"panic", r,
						"stack", string(debug.Stack()))
					err = &ErrPanic{Value: r}
				}
			}()
			return next(ctx, payload)
		}
	}
}

// Observer receives the outcome of every executed action.
type Observer interface {
	ObserveAction(actionID string, d time.Duration, err error)
}

// Observe reports each call to o.
func Observe(o Observer, actionID string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			start := time.Now()
			resp, err := next(ctx, payload)
			o.ObserveAction(actionID, time.Since(start), err)
			return resp, err
		}
	}
}
