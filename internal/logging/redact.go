package logging

import (
	"context"
	"log/slog"
	"regexp"
)

const Redacted = "[REDACTED]"

// Field names whose values must never reach a log line, at any depth.
var sensitiveKey = regexp.MustCompile(`(?i)(password|secret|apikey|token|_private|coordinates|latitude|longitude|_raw)`)

// key=value and "key": value shapes inside free-form messages.
var sensitiveInMsg = regexp.MustCompile(`(?i)("?[a-z0-9_.]*(?:password|secret|apikey|token|_private|coordinates|latitude|longitude|_raw)[a-z0-9_.]*"?\s*[:=]\s*)("[^"]*"|[^\s,}]+)`)

// RedactHandler wraps a slog.Handler and masks sensitive attribute
// values and message fragments before they are emitted.
type RedactHandler struct {
	inner slog.Handler
}

func NewRedactHandler(inner slog.Handler) *RedactHandler {
	return &RedactHandler{inner: inner}
}

func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, ScrubMessage(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, redactAttr(a))
	}
	return &RedactHandler{inner: h.inner.WithAttrs(out)}
}

func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		gs := a.Value.Group()
		out := make([]slog.Attr, 0, len(gs))
		for _, g := range gs {
			out = append(out, redactAttr(g))
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	}
	if sensitiveKey.MatchString(a.Key) {
		return slog.String(a.Key, Redacted)
	}
	if a.Value.Kind() == slog.KindAny {
		if m, ok := a.Value.Any().(map[string]any); ok {
			return slog.Any(a.Key, RedactMap(m))
		}
	}
	return a
}

// RedactMap returns a copy of m with sensitive keys masked, recursing
// into nested maps. The input is not modified.
func RedactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sensitiveKey.MatchString(k) {
			out[k] = Redacted
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = RedactMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// ScrubMessage masks sensitive key=value fragments embedded in a
// free-form message string.
func ScrubMessage(msg string) string {
	return sensitiveInMsg.ReplaceAllString(msg, "${1}"+Redacted)
}
