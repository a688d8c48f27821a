package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rocketbitz/meshfabric/fabric"
	"github.com/rocketbitz/meshfabric/internal/config"
)

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// metricsSink is the MetricHook selected by configuration plus whatever it
// needs torn down at exit.
type metricsSink struct {
	hook  fabric.MetricHook
	close func(ctx context.Context) error
}

func newMetricsSink(cfg config.MetricsConfig, log *zap.SugaredLogger, dump io.Writer) (*metricsSink, error) {
	switch cfg.Sink {
	case config.SinkPrometheus:
		return newPrometheusSink(cfg.Listen, log)
	case config.SinkOTel:
		return newOTelSink(log)
	case config.SinkGoMetrics:
		return newGoMetricsSink(dump), nil
	case config.SinkNone, "":
		return &metricsSink{close: func(context.Context) error { return nil }}, nil
	default:
		return nil, fmt.Errorf("unknown metrics sink %q", cfg.Sink)
	}
}

// newPrometheusSink serves /metrics on listen until the sink is closed.
func newPrometheusSink(listen string, log *zap.SugaredLogger) (*metricsSink, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	hook, err := fabric.NewPrometheusMetrics(fabric.PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("metrics server stopped", "error", err)
		}
	}()
	log.Infow("serving metrics", "addr", ln.Addr().String())
	return &metricsSink{hook: hook, close: srv.Shutdown}, nil
}

// newOTelSink collects counters with a manual reader and logs their totals
// when closed.
func newOTelSink(log *zap.SugaredLogger) (*metricsSink, error) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	hook, err := fabric.NewOTelMetrics(fabric.OTelMetricsOptions{
		MeterProvider:          provider,
		InstrumentationName:    "github.com/rocketbitz/meshfabric/cmd/meshnode",
		InstrumentationVersion: Version,
	})
	if err != nil {
		return nil, err
	}
	closeFn := func(ctx context.Context) error {
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(ctx, &rm); err != nil {
			return err
		}
		kv := make([]any, 0, 16)
		for _, scope := range rm.ScopeMetrics {
			for _, m := range scope.Metrics {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					var total int64
					for _, dp := range sum.DataPoints {
						total += dp.Value
					}
					kv = append(kv, m.Name, total)
				}
			}
		}
		log.Infow("metrics", kv...)
		return provider.Shutdown(ctx)
	}
	return &metricsSink{hook: hook, close: closeFn}, nil
}

// newGoMetricsSink keeps counters in memory. SIGUSR1 dumps them to dump, and
// closing the sink dumps them once more.
func newGoMetricsSink(dump io.Writer) *metricsSink {
	if dump == nil {
		dump = os.Stderr
	}
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	sig := metrics.NewInmemSignal(inm, syscall.SIGUSR1, dump)
	hook := fabric.NewGoMetrics(fabric.GoMetricsOptions{Sink: inm})
	return &metricsSink{
		hook: hook,
		close: func(context.Context) error {
			sig.Stop()
			return dumpInmem(inm, dump)
		},
	}
}

func dumpInmem(inm *metrics.InmemSink, w io.Writer) error {
	totals := make(map[string]float64)
	for _, interval := range inm.Data() {
		interval.RLock()
		for _, c := range interval.Counters {
			totals[c.Name] += c.Sum
		}
		interval.RUnlock()
	}
	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := fmt.Fprintf(w, "%s %v\n", name, totals[name]); err != nil {
			return err
		}
	}
	return nil
}

// newTracer builds the fabric tracer for cfg. The none exporter returns a nil
// tracer, which turns span reporting off.
func newTracer(ctx context.Context, cfg config.TraceConfig, log *zap.SugaredLogger) (fabric.Tracer, func(context.Context) error, error) {
	switch cfg.Exporter {
	case config.TraceLog:
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(&logExporter{log: log}))
		return fabric.NewOTelTracer(ctx, tp.Tracer(tracerName, trace.WithInstrumentationVersion(Version))), tp.Shutdown, nil
	case config.TraceNone, "":
		return nil, func(context.Context) error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
}

// logExporter writes every finished span as one log entry.
type logExporter struct {
	log *zap.SugaredLogger
}

var _ sdktrace.SpanExporter = (*logExporter)(nil)

func (e *logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		kv := []any{
			"span", span.Name(),
			"trace_id", span.SpanContext().TraceID().String(),
			"duration", span.EndTime().Sub(span.StartTime()),
			"events", len(span.Events()),
		}
		for _, attr := range span.Attributes() {
			kv = append(kv, string(attr.Key), attr.Value.Emit())
		}
		if status := span.Status(); status.Description != "" {
			kv = append(kv, "error", status.Description)
		}
		e.log.Infow("span", kv...)
	}
	return nil
}

func (e *logExporter) Shutdown(context.Context) error { return nil }
