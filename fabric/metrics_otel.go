package fabric

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter            metric.Meter
	channelStarted   metric.Int64Counter
	channelStopped   metric.Int64Counter
	linkErrors       metric.Int64Counter
	sendCompleted    metric.Int64Counter
	sendFailed       metric.Int64Counter
	receiveCompleted metric.Int64Counter
	receiveFailed    metric.Int64Counter
	creditStalls     metric.Int64Counter
	barriers         metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/meshfabric/fabric"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&o.channelStarted, "meshfabric.channel.started", "Peer channels whose workers started"},
		{&o.channelStopped, "meshfabric.channel.stopped", "Peer channels shut down"},
		{&o.linkErrors, "meshfabric.link.errors", "Link faults that disabled a peer"},
		{&o.sendCompleted, "meshfabric.send.completed", "Objects handed to the network"},
		{&o.sendFailed, "meshfabric.send.failed", "Objects that could not be sent"},
		{&o.receiveCompleted, "meshfabric.receive.completed", "Objects received"},
		{&o.receiveFailed, "meshfabric.receive.failed", "Failed receives"},
		{&o.creditStalls, "meshfabric.credit.stalls", "Sends that waited for a free buffer"},
		{&o.barriers, "meshfabric.barrier.completed", "Startup barriers passed"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return o, nil
}

// ChannelStarted records that a peer channel's workers started.
func (o *OTelMetrics) ChannelStarted(attrs map[string]string) {
	o.channelStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// ChannelStopped records that a peer channel shut down.
func (o *OTelMetrics) ChannelStopped(attrs map[string]string) {
	o.channelStopped.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// LinkError counts link faults by the worker phase that hit them.
func (o *OTelMetrics) LinkError(kind string, _ error, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(labelKind, kind))
	o.linkErrors.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// SendCompleted records an object handed to the network.
func (o *OTelMetrics) SendCompleted(attrs map[string]string) {
	o.sendCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// SendFailed records an object that could not be sent.
func (o *OTelMetrics) SendFailed(_ error, attrs map[string]string) {
	o.sendFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// ReceiveCompleted records a received object.
func (o *OTelMetrics) ReceiveCompleted(attrs map[string]string) {
	o.receiveCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// ReceiveFailed records a failed receive.
func (o *OTelMetrics) ReceiveFailed(_ error, attrs map[string]string) {
	o.receiveFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// CreditStalled records a send that waited for a free buffer.
func (o *OTelMetrics) CreditStalled(attrs map[string]string) {
	o.creditStalls.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// BarrierCompleted records a passed startup barrier.
func (o *OTelMetrics) BarrierCompleted(attrs map[string]string) {
	o.barriers.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelNode, attrs[labelNode]),
		attribute.String(labelBackend, attrs[labelBackend]),
	}
	if v := attrs[labelCodec]; v != "" {
		kvs = append(kvs, attribute.String(labelCodec, v))
	}
	if v := attrs[labelPeer]; v != "" {
		kvs = append(kvs, attribute.String(labelPeer, v))
	}
	return kvs
}
