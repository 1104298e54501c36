// Package logging defines a minimal structured-logging interface plus a
// slog implementation whose output is scrubbed of sensitive fields.
package logging

import "context"

// Logger is a context-aware, structured logger. Variadic args are
// key-value pairs: log.Info(ctx, "listening", "addr", addr).
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always includes the given key-value pairs.
	With(args ...any) Logger
}
