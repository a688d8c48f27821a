package fabric

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	channelStarted   *prometheus.CounterVec
	channelStopped   *prometheus.CounterVec
	linkErrors       *prometheus.CounterVec
	sendCompleted    *prometheus.CounterVec
	sendFailed       *prometheus.CounterVec
	receiveCompleted *prometheus.CounterVec
	receiveFailed    *prometheus.CounterVec
	creditStalls     *prometheus.CounterVec
	barriers         *prometheus.CounterVec
}

var (
	nodeLabelKeys  = []string{labelNode, labelBackend, labelCodec}
	peerLabelKeys  = []string{labelNode, labelBackend, labelCodec, labelPeer}
	errorLabelKeys = []string{labelNode, labelBackend, labelCodec, labelPeer, labelKind}
)

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{}
	vecs := []struct {
		dst  **prometheus.CounterVec
		name string
		help string
		keys []string
	}{
		{&p.channelStarted, "meshfabric_channel_started_total", "Number of peer channels whose workers started", peerLabelKeys},
		{&p.channelStopped, "meshfabric_channel_stopped_total", "Number of peer channels shut down", peerLabelKeys},
		{&p.linkErrors, "meshfabric_link_errors_total", "Number of link faults that disabled a peer", errorLabelKeys},
		{&p.sendCompleted, "meshfabric_send_completed_total", "Number of objects handed to the network", peerLabelKeys},
		{&p.sendFailed, "meshfabric_send_failed_total", "Number of objects that could not be sent", peerLabelKeys},
		{&p.receiveCompleted, "meshfabric_receive_completed_total", "Number of objects received", peerLabelKeys},
		{&p.receiveFailed, "meshfabric_receive_failed_total", "Number of failed receives", peerLabelKeys},
		{&p.creditStalls, "meshfabric_credit_stalls_total", "Number of sends that waited for a free buffer", peerLabelKeys},
		{&p.barriers, "meshfabric_barrier_completed_total", "Number of startup barriers passed", nodeLabelKeys},
	}
	for _, v := range vecs {
		vec, err := registerCounterVec(reg, counter(v.name, v.help, v.keys))
		if err != nil {
			return nil, err
		}
		*v.dst = vec
	}
	return p, nil
}

func (p *PrometheusMetrics) ChannelStarted(attrs map[string]string) {
	p.channelStarted.With(labels(attrs, peerLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ChannelStopped(attrs map[string]string) {
	p.channelStopped.With(labels(attrs, peerLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) LinkError(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, errorLabelKeys...)
	labs[labelKind] = kind
	p.linkErrors.With(labs).Inc()
}

func (p *PrometheusMetrics) SendCompleted(attrs map[string]string) {
	p.sendCompleted.With(labels(attrs, peerLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SendFailed(_ error, attrs map[string]string) {
	p.sendFailed.With(labels(attrs, peerLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReceiveCompleted(attrs map[string]string) {
	p.receiveCompleted.With(labels(attrs, peerLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReceiveFailed(_ error, attrs map[string]string) {
	p.receiveFailed.With(labels(attrs, peerLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) CreditStalled(attrs map[string]string) {
	p.creditStalls.With(labels(attrs, peerLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) BarrierCompleted(attrs map[string]string) {
	p.barriers.With(labels(attrs, nodeLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
