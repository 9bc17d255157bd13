// Package tracing provides a minimal, stdlib-only span abstraction used to
// correlate log lines within a single control-loop cycle. It is not a
// distributed tracer: there is one process, one WAN per loop, and the only
// thing worth correlating is "which cycle produced this line."
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// SpanContext identifies a span within a cycle.
type SpanContext struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Start        time.Time
	End          time.Time
}

// Span is an in-flight unit of work within a cycle.
type Span interface {
	End()
	SetAttribute(key string, value any)
	Context() SpanContext
	IsEnded() bool
}

// Tracer starts spans, threading trace/span IDs through context.Context.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

type noopTracer struct{}
type noopSpan struct{}

func (noopTracer) StartSpan(ctx context.Context, _ string) (context.Context, Span) { return ctx, noopSpan{} }
func (noopSpan) End()                                                              {}
func (noopSpan) SetAttribute(string, any)                                          {}
func (noopSpan) Context() SpanContext                                              { return SpanContext{} }
func (noopSpan) IsEnded() bool                                                     { return true }

type tracer struct{}

type span struct {
	ctx   SpanContext
	mu    sync.Mutex
	ended bool
	attrs map[string]any
}

// New returns a Tracer. When enabled is false every span is a no-op, for
// components (e.g. one-shot CLI invocations) that don't need correlation.
func New(enabled bool) Tracer {
	if !enabled {
		return noopTracer{}
	}
	return tracer{}
}

// NewCycleTracer returns an always-enabled Tracer for cycle spans. Spans it
// starts inherit the trace ID already on ctx; seeding ctx with WithTraceID
// and the caller's cycle identifier (e.g. "wan0-00000042") makes a cycle's
// probe/classify/write/persist log lines share that ID without a sampling
// decision or collector. Without a seeded ID a random one is generated.
func NewCycleTracer() Tracer { return tracer{} }

func (tracer) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	parent := SpanFromContext(ctx)
	traceID := parent.ctx.TraceID
	if traceID == "" {
		traceID = newID(16)
	}
	sp := &span{
		ctx: SpanContext{
			TraceID:      traceID,
			SpanID:       newID(8),
			ParentSpanID: parent.ctx.SpanID,
			Start:        time.Now(),
		},
		attrs: make(map[string]any),
	}
	return context.WithValue(ctx, spanKey{}, sp), sp
}

func (s *span) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ctx.End = time.Now()
		s.ended = true
	}
}

func (s *span) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attrs != nil {
		s.attrs[key] = value
	}
}

func (s *span) Context() SpanContext { return s.ctx }

func (s *span) IsEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

type spanKey struct{}

// SpanFromContext returns the active span, or a zero-value span if none is
// active.
func SpanFromContext(ctx context.Context) *span {
	if ctx == nil {
		return &span{}
	}
	if sp, ok := ctx.Value(spanKey{}).(*span); ok {
		return sp
	}
	return &span{}
}

// ExtractIDs returns the trace and span IDs active on ctx, for attaching to
// log records.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sp := SpanFromContext(ctx)
	return sp.ctx.TraceID, sp.ctx.SpanID
}

// WithTraceID seeds ctx with an explicit trace ID rather than generating one,
// so a cycle's trace ID can be derived from the WAN name and cycle count
// (stable across restarts, easy to grep).
func WithTraceID(ctx context.Context, traceID string) context.Context {
	sp := &span{ctx: SpanContext{TraceID: traceID, SpanID: newID(8), Start: time.Now()}, attrs: make(map[string]any)}
	return context.WithValue(ctx, spanKey{}, sp)
}

func newID(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
