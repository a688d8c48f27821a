package fabric

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core).Sugar(), logs
}

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	return tp, recorder
}

func hasLogEvent(logs *observer.ObservedLogs, event string, level zapcore.Level) bool {
	for _, entry := range logs.All() {
		if evt, ok := entry.ContextMap()["event"].(string); ok && evt == event && entry.Level == level {
			return true
		}
	}
	return false
}

func countSpanEvents(recorder *tracetest.SpanRecorder, span, event string) int {
	n := 0
	for _, s := range recorder.Ended() {
		if s.Name() != span {
			continue
		}
		for _, evt := range s.Events() {
			if evt.Name == event {
				n++
			}
		}
	}
	return n
}

func TestTransportStructuredLoggingAndTracing(t *testing.T) {
	logger, logs := newObservedLogger()
	tp, recorder := newTestTracerProvider()
	defer tp.Shutdown(context.Background())

	cfg := testConfig(BackendRDMA, loopbackAddrs(2))
	cfg.StructuredLogger = logger
	cfg.Tracer = NewOTelTracer(context.Background(), tp.Tracer("meshfabric-test"))
	nodes := startMesh(t, cfg)

	if err := nodes[0].Send(1, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	receiveN(t, nodes[1], 1)
	for _, tr := range nodes {
		if err := tr.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}

	if !hasLogEvent(logs, "mesh established", zapcore.InfoLevel) {
		t.Fatal("expected mesh established at info level")
	}
	if !hasLogEvent(logs, "barrier passed", zapcore.InfoLevel) {
		t.Fatal("expected barrier passed at info level")
	}
	if !hasLogEvent(logs, "channel started", zapcore.DebugLevel) {
		t.Fatal("expected channel started at debug level")
	}
	if hasLogEvent(logs, "link error", zapcore.ErrorLevel) {
		t.Fatal("orderly shutdown logged a link error")
	}

	// Both nodes pass three barrier rounds.
	if got := countSpanEvents(recorder, "meshfabric-barrier", "round"); got != 6 {
		t.Fatalf("expected 6 round events, got %d", got)
	}
	channels := 0
	for _, s := range recorder.Ended() {
		if s.Name() == "meshfabric-channel" {
			channels++
		}
	}
	if channels != 2 {
		t.Fatalf("expected 2 ended channel spans, got %d", channels)
	}
}

func TestTransportSetupFailureIsTraced(t *testing.T) {
	tp, recorder := newTestTracerProvider()
	defer tp.Shutdown(context.Background())

	cfg := testConfig(BackendRDMA, loopbackAddrs(2))
	cfg.Self = 1
	cfg.DialTimeout = 50 * time.Millisecond
	cfg.Tracer = NewOTelTracer(context.Background(), tp.Tracer("meshfabric-test"))
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected setup to fail without node 0")
	}
	for _, s := range recorder.Ended() {
		if s.Name() == "meshfabric-mesh" {
			if s.Status().Description == "" {
				t.Fatal("mesh span ended without an error status")
			}
			return
		}
	}
	t.Fatal("mesh span not recorded")
}

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureLogger) Debugf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, fmt.Sprintf(format, args...))
}

func TestTelemetryFormatsPlainLogger(t *testing.T) {
	logger := &captureLogger{}
	tel := newTelemetry(Config{Self: 3, Logger: logger}.withDefaults())
	tel.logError("link error", logKV(labelPeer, 1), logKV("phase", "read"))

	if len(logger.lines) != 1 {
		t.Fatalf("expected one line, got %v", logger.lines)
	}
	line := logger.lines[0]
	for _, want := range []string{"node=3", "link error", "peer=1", "phase=read"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
}

func TestTelemetryMetricAttrs(t *testing.T) {
	tel := newTelemetry(Config{Self: 2, Backend: BackendRDMA}.withDefaults())
	attrs := tel.metricAttrs(logKV(labelPeer, 5))
	want := map[string]string{labelNode: "2", labelBackend: "rdma", labelCodec: "gob", labelPeer: "5"}
	for k, v := range want {
		if attrs[k] != v {
			t.Fatalf("attr %s = %q, want %q", k, attrs[k], v)
		}
	}
}
