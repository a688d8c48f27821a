package fabric

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var _ Tracer = (*OTelTracer)(nil)

// OTelTracer adapts an OpenTelemetry tracer to Tracer.
type OTelTracer struct {
	tracer trace.Tracer
	ctx    context.Context
}

// NewOTelTracer wraps tracer. Spans are started from ctx, or from a
// background context when ctx is nil.
func NewOTelTracer(ctx context.Context, tracer trace.Tracer) *OTelTracer {
	return &OTelTracer{tracer: tracer, ctx: ensureContext(ctx)}
}

// StartSpan implements Tracer.
func (t *OTelTracer) StartSpan(name string, attrs ...TraceAttribute) Span {
	_, span := t.tracer.Start(t.ctx, name, trace.WithAttributes(toOTelAttributes(attrs)...))
	return otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End(err error) {
	if err != nil {
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}

func (s otelSpan) AddEvent(name string, attrs ...TraceAttribute) {
	s.span.AddEvent(name, trace.WithAttributes(toOTelAttributes(attrs)...))
}

func (s otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
}

func toOTelAttributes(attrs []TraceAttribute) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		switch v := attr.Value.(type) {
		case string:
			kvs = append(kvs, attribute.String(attr.Key, v))
		case int:
			kvs = append(kvs, attribute.Int(attr.Key, v))
		case int64:
			kvs = append(kvs, attribute.Int64(attr.Key, v))
		case uint32:
			kvs = append(kvs, attribute.Int64(attr.Key, int64(v)))
		case bool:
			kvs = append(kvs, attribute.Bool(attr.Key, v))
		case float64:
			kvs = append(kvs, attribute.Float64(attr.Key, v))
		case error:
			kvs = append(kvs, attribute.String(attr.Key, v.Error()))
		case fmt.Stringer:
			kvs = append(kvs, attribute.String(attr.Key, v.String()))
		default:
			kvs = append(kvs, attribute.String(attr.Key, fmt.Sprint(v)))
		}
	}
	return kvs
}
