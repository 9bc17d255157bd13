// Package logging wraps log/slog with trace/span correlation pulled from
// context, plus a WAN tag baked in at construction so every line a
// controller emits is self-identifying.
package logging

import (
	"context"
	"log/slog"

	internaltracing "github.com/wanshape/autoratectl/engine/internal/tracing"
)

// Logger is a minimal correlated logging surface. Controllers depend on this
// interface, never on *slog.Logger directly, so tests can substitute a
// recording fake.
type Logger interface {
	DebugCtx(ctx context.Context, msg string, attrs ...any)
	InfoCtx(ctx context.Context, msg string, attrs ...any)
	WarnCtx(ctx context.Context, msg string, attrs ...any)
	ErrorCtx(ctx context.Context, msg string, attrs ...any)
	With(attrs ...any) Logger
}

type correlatedLogger struct {
	base *slog.Logger
}

// New returns a correlated Logger wrapper around base. A nil base falls
// back to slog.Default().
func New(base *slog.Logger) Logger {
	if base == nil {
		base = slog.Default()
	}
	return &correlatedLogger{base: base}
}

// NewForWAN returns a Logger with a "wan" attribute bound to every line it
// emits carries the wan label alongside the trace correlation.
func NewForWAN(base *slog.Logger, wan string) Logger {
	return New(base).With(slog.String("wan", wan))
}

func (l *correlatedLogger) With(attrs ...any) Logger {
	return &correlatedLogger{base: l.base.With(attrs...)}
}

func (l *correlatedLogger) withTrace(ctx context.Context, attrs []any) []any {
	traceID, spanID := internaltracing.ExtractIDs(ctx)
	if traceID == "" && spanID == "" {
		return attrs
	}
	return append(attrs, slog.String("trace_id", traceID), slog.String("span_id", spanID))
}

func (l *correlatedLogger) DebugCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.DebugContext(ctx, msg, l.withTrace(ctx, attrs)...)
}

func (l *correlatedLogger) InfoCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.InfoContext(ctx, msg, l.withTrace(ctx, attrs)...)
}

func (l *correlatedLogger) WarnCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.WarnContext(ctx, msg, l.withTrace(ctx, attrs)...)
}

func (l *correlatedLogger) ErrorCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.ErrorContext(ctx, msg, l.withTrace(ctx, attrs)...)
}
