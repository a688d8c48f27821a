package fabric

import (
	"fmt"
	"strings"
)

// Logger provides debug logging hooks for the transport.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// LeveledLogger is optionally implemented by a StructuredLogger to receive
// lifecycle events at info level and link faults at error level.
// *zap.SugaredLogger satisfies it.
type LeveledLogger interface {
	Infow(msg string, keyvals ...any)
	Errorw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap mesh setup, the barrier and channel lifetimes.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures transport telemetry events.
type MetricHook interface {
	ChannelStarted(attrs map[string]string)
	ChannelStopped(attrs map[string]string)
	LinkError(kind string, err error, attrs map[string]string)
	SendCompleted(attrs map[string]string)
	SendFailed(err error, attrs map[string]string)
	ReceiveCompleted(attrs map[string]string)
	ReceiveFailed(err error, attrs map[string]string)
	CreditStalled(attrs map[string]string)
	BarrierCompleted(attrs map[string]string)
}

// Metric label keys shared by every MetricHook implementation.
const (
	labelNode    = "node"
	labelPeer    = "peer"
	labelBackend = "backend"
	labelCodec   = "codec"
	labelKind    = "kind"
)

type logLevel int

const (
	levelDebug logLevel = iota
	levelInfo
	levelError
)

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

// telemetry fans events out to the configured logging, tracing and metric hooks.
type telemetry struct {
	node    int
	backend Backend
	codec   string

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
}

func newTelemetry(cfg Config) *telemetry {
	return &telemetry{
		node:             cfg.Self,
		backend:          cfg.Backend,
		codec:            cfg.Codec.Name(),
		logger:           cfg.Logger,
		structuredLogger: cfg.StructuredLogger,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}
}

func (t *telemetry) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+3)
	attrs[labelNode] = fmt.Sprint(t.node)
	attrs[labelBackend] = t.backend.String()
	attrs[labelCodec] = t.codec
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (t *telemetry) log(level logLevel, event string, fields ...logField) {
	if t == nil {
		return
	}
	if t.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+4)
		kv = append(kv, "event", event, "node", t.node)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		if leveled, ok := t.structuredLogger.(LeveledLogger); ok {
			switch level {
			case levelInfo:
				leveled.Infow("meshfabric", kv...)
				return
			case levelError:
				leveled.Errorw("meshfabric", kv...)
				return
			}
		}
		t.structuredLogger.Debugw("meshfabric", kv...)
		return
	}
	if t.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	t.logger.Debugf("meshfabric node=%d %s", t.node, b.String())
}

func (t *telemetry) logDebug(event string, fields ...logField) { t.log(levelDebug, event, fields...) }
func (t *telemetry) logInfo(event string, fields ...logField)  { t.log(levelInfo, event, fields...) }
func (t *telemetry) logError(event string, fields ...logField) { t.log(levelError, event, fields...) }

func (t *telemetry) startSpan(name string, fields ...logField) Span {
	if t == nil || t.tracer == nil {
		return nil
	}
	attrs := []TraceAttribute{
		{Key: "component", Value: "meshfabric"},
		{Key: labelNode, Value: t.node},
		{Key: labelBackend, Value: t.backend.String()},
	}
	attrs = append(attrs, attributesFromFields(fields...)...)
	return t.tracer.StartSpan(name, attrs...)
}

func (t *telemetry) channelStarted(fields ...logField) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.ChannelStarted(t.metricAttrs(fields...))
}

func (t *telemetry) channelStopped(fields ...logField) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.ChannelStopped(t.metricAttrs(fields...))
}

func (t *telemetry) linkError(kind string, err error, fields ...logField) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.LinkError(kind, err, t.metricAttrs(fields...))
}

func (t *telemetry) sendCompleted(fields ...logField) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.SendCompleted(t.metricAttrs(fields...))
}

func (t *telemetry) sendFailed(err error, fields ...logField) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.SendFailed(err, t.metricAttrs(fields...))
}

func (t *telemetry) receiveCompleted(fields ...logField) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.ReceiveCompleted(t.metricAttrs(fields...))
}

func (t *telemetry) receiveFailed(err error, fields ...logField) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.ReceiveFailed(err, t.metricAttrs(fields...))
}

func (t *telemetry) creditStalled(fields ...logField) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.CreditStalled(t.metricAttrs(fields...))
}

func (t *telemetry) barrierCompleted(fields ...logField) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.BarrierCompleted(t.metricAttrs(fields...))
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func spanEnd(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}
