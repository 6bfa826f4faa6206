// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Profiler opens spans around remote calls.
type Profiler interface {
	// Enabled returns true if calls should be profiled at all.
	Enabled() bool

	// Enter opens a span named key. The returned context carries the span.
	Enter(ctx context.Context, key string) (context.Context, Span)
}

// Span is an open profiling span. End may be called from any goroutine.
type Span interface {
	End(err error)
}

// NopProfiler never profiles.
type NopProfiler struct{}

func (NopProfiler) Enabled() bool { return false }

func (NopProfiler) Enter(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, nopSpan{}
}

type nopSpan struct{}

func (nopSpan) End(error) {}

// OtelProfiler records each remote call as an OpenTelemetry client span.
type OtelProfiler struct {
	Tracer trace.Tracer
}

func (p OtelProfiler) Enabled() bool { return p.Tracer != nil }

func (p OtelProfiler) Enter(ctx context.Context, key string) (context.Context, Span) {
	ctx, span := p.Tracer.Start(
		ctx,
		key,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("rpc.system", "distrpc")),
	)
	return ctx, otelSpan{span}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}

type profilingKey struct{}

// withProfilingKey marks ctx as already inside a profiled call, so nested
// calls do not open spans of their own.
func withProfilingKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, profilingKey{}, key)
}

func profilingKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(profilingKey{}).(string)
	return key, ok && key != ""
}

func rpcProfilingKey(fn QualifiedName, src, dst string) string {
	return fmt.Sprintf("rpc_async_jit#%s(%s -> %s)", fn, src, dst)
}

// onceSpan guarantees End reaches the underlying span exactly once.
type onceSpan struct {
	once sync.Once
	span Span
}

func (s *onceSpan) End(err error) {
	s.once.Do(func() { s.span.End(err) })
}

// endSpanOnFuture returns a future that settles with f's result once span
// has been closed.
func endSpanOnFuture(span Span, f *Future) *Future {
	return f.Then(
		func(parent *Future) (any, error) {
			err := parent.Err()
			span.End(err)
			return parent.Value(), err
		},
		f.Type(),
	)
}
