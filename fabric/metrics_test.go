package fabric

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func emitAll(hook MetricHook) {
	base := map[string]string{
		labelNode:    "0",
		labelBackend: "rdma",
		labelCodec:   "gob",
		labelPeer:    "1",
	}
	hook.ChannelStarted(base)
	hook.ChannelStopped(base)
	hook.LinkError("read", errors.New("boom"), base)
	hook.SendCompleted(base)
	hook.SendFailed(errors.New("fail"), base)
	hook.ReceiveCompleted(base)
	hook.ReceiveFailed(errors.New("rfail"), base)
	hook.CreditStalled(base)
	hook.BarrierCompleted(map[string]string{labelNode: "0", labelBackend: "rdma", labelCodec: "gob"})
}

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	hook, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}
	emitAll(hook)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, name := range []string{
		"meshfabric_channel_started_total",
		"meshfabric_channel_stopped_total",
		"meshfabric_link_errors_total",
		"meshfabric_send_completed_total",
		"meshfabric_send_failed_total",
		"meshfabric_receive_completed_total",
		"meshfabric_receive_failed_total",
		"meshfabric_credit_stalls_total",
		"meshfabric_barrier_completed_total",
	} {
		if got := findCounterValue(mfs, name); got != 1 {
			t.Fatalf("unexpected counter %s: got %v want 1", name, got)
		}
	}

	// A second hook on the same registry reuses the registered collectors.
	again, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("second NewPrometheusMetrics: %v", err)
	}
	again.SendCompleted(map[string]string{labelNode: "0", labelBackend: "rdma", labelCodec: "gob", labelPeer: "1"})
	mfs, _ = reg.Gather()
	if got := findCounterValue(mfs, "meshfabric_send_completed_total"); got != 2 {
		t.Fatalf("shared collector counted %v", got)
	}
}

func TestOTelMetricsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	hook, err := NewOTelMetrics(OTelMetricsOptions{MeterProvider: provider})
	if err != nil {
		t.Fatalf("NewOTelMetrics: %v", err)
	}
	emitAll(hook)

	ctx := context.Background()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, name := range []string{
		"meshfabric.channel.started",
		"meshfabric.channel.stopped",
		"meshfabric.link.errors",
		"meshfabric.send.completed",
		"meshfabric.send.failed",
		"meshfabric.receive.completed",
		"meshfabric.receive.failed",
		"meshfabric.credit.stalls",
		"meshfabric.barrier.completed",
	} {
		if got := otelCounterValue(rm, name); got != 1 {
			t.Fatalf("unexpected counter %s: got %v want 1", name, got)
		}
	}
	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestGoMetricsCounters(t *testing.T) {
	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	hook := NewGoMetrics(GoMetricsOptions{
		Sink:   sink,
		Prefix: []string{"test"},
		Labels: []metrics.Label{{Name: "cluster", Value: "a"}},
	})
	emitAll(hook)

	for _, key := range [][]string{
		MetricChannelStarted,
		MetricLinkErrors,
		MetricSendCompleted,
		MetricReceiveFailed,
		MetricCreditStalls,
		MetricBarrierCompleted,
	} {
		name := "test." + strings.Join(key, ".")
		if got := inmemCounter(sink, name); got != 1 {
			t.Fatalf("unexpected counter %s: got %v want 1", name, got)
		}
	}
}

// TestTransportReportsMetrics runs a mesh with a Prometheus hook and checks
// the counters the workers and the barrier emit.
func TestTransportReportsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	hook, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}
	cfg := testConfig(BackendRDMA, loopbackAddrs(2))
	cfg.Metrics = hook
	nodes := startMesh(t, cfg)

	for i := 0; i < 5; i++ {
		if err := nodes[0].Send(1, i); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	receiveN(t, nodes[1], 5)
	for _, tr := range nodes {
		if err := tr.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	cases := map[string]float64{
		"meshfabric_barrier_completed_total": 2,
		"meshfabric_channel_started_total":   2,
		"meshfabric_channel_stopped_total":   2,
		"meshfabric_send_completed_total":    5,
		"meshfabric_receive_completed_total": 5,
		"meshfabric_link_errors_total":       0,
	}
	for name, want := range cases {
		if got := findCounterValue(mfs, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
}

func findCounterValue(mfs []*dto.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

func otelCounterValue(rm metricdata.ResourceMetrics, name string) float64 {
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				var sum float64
				for _, dp := range data.DataPoints {
					sum += float64(dp.Value)
				}
				return sum
			}
		}
	}
	return 0
}

// inmemCounter sums every labeled series of the counter called name.
func inmemCounter(sink *metrics.InmemSink, name string) float64 {
	var sum float64
	for _, interval := range sink.Data() {
		interval.RLock()
		for key, v := range interval.Counters {
			if key == name || strings.HasPrefix(key, name+";") {
				sum += v.Sum
			}
		}
		interval.RUnlock()
	}
	return sum
}
