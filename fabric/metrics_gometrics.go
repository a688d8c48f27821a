package fabric

import (
	"sort"

	"github.com/hashicorp/go-metrics"
)

// Metric keys emitted by GoMetrics, before the configured prefix.
var (
	MetricChannelStarted   = []string{"meshfabric", "channel", "started"}
	MetricChannelStopped   = []string{"meshfabric", "channel", "stopped"}
	MetricLinkErrors       = []string{"meshfabric", "link", "errors"}
	MetricSendCompleted    = []string{"meshfabric", "send", "completed"}
	MetricSendFailed       = []string{"meshfabric", "send", "failed"}
	MetricReceiveCompleted = []string{"meshfabric", "receive", "completed"}
	MetricReceiveFailed    = []string{"meshfabric", "receive", "failed"}
	MetricCreditStalls     = []string{"meshfabric", "credit", "stalls"}
	MetricBarrierCompleted = []string{"meshfabric", "barrier", "completed"}
)

// GoMetricsOptions configures NewGoMetrics.
type GoMetricsOptions struct {
	// Sink receives the counters; nil uses the hashicorp/go-metrics global.
	Sink   metrics.MetricSink
	Prefix []string
	Labels []metrics.Label
}

var _ MetricHook = (*GoMetrics)(nil)

// GoMetrics implements MetricHook on a hashicorp/go-metrics sink.
type GoMetrics struct {
	sink   metrics.MetricSink
	prefix []string
	base   []metrics.Label
}

// NewGoMetrics constructs a MetricHook backed by a go-metrics sink.
func NewGoMetrics(opts GoMetricsOptions) *GoMetrics {
	return &GoMetrics{sink: opts.Sink, prefix: opts.Prefix, base: opts.Labels}
}

func (g *GoMetrics) incr(key []string, attrs map[string]string, extra ...metrics.Label) {
	full := make([]string, 0, len(g.prefix)+len(key))
	full = append(append(full, g.prefix...), key...)
	labs := goMetricsLabels(g.base, attrs, extra...)
	if g.sink == nil {
		metrics.IncrCounterWithLabels(full, 1, labs)
		return
	}
	g.sink.IncrCounterWithLabels(full, 1, labs)
}

func (g *GoMetrics) ChannelStarted(attrs map[string]string) { g.incr(MetricChannelStarted, attrs) }

func (g *GoMetrics) ChannelStopped(attrs map[string]string) { g.incr(MetricChannelStopped, attrs) }

func (g *GoMetrics) LinkError(kind string, _ error, attrs map[string]string) {
	g.incr(MetricLinkErrors, attrs, metrics.Label{Name: labelKind, Value: kind})
}

func (g *GoMetrics) SendCompleted(attrs map[string]string) { g.incr(MetricSendCompleted, attrs) }

func (g *GoMetrics) SendFailed(_ error, attrs map[string]string) { g.incr(MetricSendFailed, attrs) }

func (g *GoMetrics) ReceiveCompleted(attrs map[string]string) { g.incr(MetricReceiveCompleted, attrs) }

func (g *GoMetrics) ReceiveFailed(_ error, attrs map[string]string) {
	g.incr(MetricReceiveFailed, attrs)
}

func (g *GoMetrics) CreditStalled(attrs map[string]string) { g.incr(MetricCreditStalls, attrs) }

func (g *GoMetrics) BarrierCompleted(attrs map[string]string) { g.incr(MetricBarrierCompleted, attrs) }

func goMetricsLabels(base []metrics.Label, attrs map[string]string, extra ...metrics.Label) []metrics.Label {
	labs := make([]metrics.Label, 0, len(base)+len(extra)+4)
	labs = append(labs, base...)
	for _, key := range []string{labelNode, labelBackend, labelCodec, labelPeer} {
		if v, ok := attrs[key]; ok && v != "" {
			labs = append(labs, metrics.Label{Name: key, Value: v})
		}
	}
	labs = append(labs, extra...)
	sort.SliceStable(labs[len(base):], func(i, j int) bool {
		return labs[len(base)+i].Name < labs[len(base)+j].Name
	})
	return labs
}
