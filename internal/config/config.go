// Package config loads meshnode settings.
//
// Sources, highest precedence first:
//  1. Command-line flags
//  2. Environment variables (MESHFABRIC_* prefix, "." replaced by "_")
//  3. Configuration file (YAML, JSON or TOML)
//  4. Defaults
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/rocketbitz/meshfabric/codec"
	"github.com/rocketbitz/meshfabric/fabric"
	"github.com/rocketbitz/meshfabric/internal/softqp"
	"github.com/rocketbitz/meshfabric/verbs"
	"github.com/rocketbitz/meshfabric/verbs/loopback"
	"github.com/rocketbitz/meshfabric/verbs/sockets"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MESHFABRIC"

// Config holds the settings for one mesh node.
type Config struct {
	Nodes    []string `mapstructure:"nodes"`
	Self     int      `mapstructure:"self"`
	Backend  string   `mapstructure:"backend"`
	Codec    string   `mapstructure:"codec"`
	Provider string   `mapstructure:"provider"`

	Transport TransportConfig `mapstructure:"transport"`
	Timeouts  TimeoutConfig   `mapstructure:"timeouts"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Trace     TraceConfig     `mapstructure:"trace"`
}

// TransportConfig sizes the per-peer buffers and queues.
type TransportConfig struct {
	PoolSize       int `mapstructure:"pool_size"`
	BufferSize     int `mapstructure:"buffer_size"`
	SignalInterval int `mapstructure:"signal_interval"`
	QueueCapacity  int `mapstructure:"queue_capacity"`
	MaxFrameSize   int `mapstructure:"max_frame_size"`
}

// TimeoutConfig bounds the setup and shutdown phases.
type TimeoutConfig struct {
	Settle  time.Duration `mapstructure:"settle"`
	Dial    time.Duration `mapstructure:"dial"`
	Poll    time.Duration `mapstructure:"poll"`
	Barrier time.Duration `mapstructure:"barrier"`
	Drain   time.Duration `mapstructure:"drain"`
}

// LogConfig selects the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig selects the metrics sink.
type MetricsConfig struct {
	// Sink is one of prometheus, otel, gometrics or none.
	Sink string `mapstructure:"sink"`
	// Listen is the address /metrics is served on for the prometheus sink.
	Listen string `mapstructure:"listen"`
}

// Metrics sinks understood by meshnode.
const (
	SinkPrometheus = "prometheus"
	SinkOTel       = "otel"
	SinkGoMetrics  = "gometrics"
	SinkNone       = "none"
)

// TraceConfig selects where finished spans go.
type TraceConfig struct {
	// Exporter is log (one log entry per span) or none.
	Exporter string `mapstructure:"exporter"`
}

// Trace exporters understood by meshnode.
const (
	TraceLog  = "log"
	TraceNone = "none"
)

// Verbs providers understood by meshnode.
const (
	ProviderSockets  = "sockets"
	ProviderLoopback = "loopback"
)

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"nodes":           "nodes",
	"self":            "self",
	"backend":         "backend",
	"codec":           "codec",
	"provider":        "provider",
	"pool-size":       "transport.pool_size",
	"buffer-size":     "transport.buffer_size",
	"signal-interval": "transport.signal_interval",
	"queue-capacity":  "transport.queue_capacity",
	"max-frame-size":  "transport.max_frame_size",
	"settle-delay":    "timeouts.settle",
	"dial-timeout":    "timeouts.dial",
	"poll-interval":   "timeouts.poll",
	"barrier-timeout": "timeouts.barrier",
	"drain-timeout":   "timeouts.drain",
	"log-level":       "log.level",
	"log-format":      "log.format",
	"metrics-sink":    "metrics.sink",
	"metrics-listen":  "metrics.listen",
	"trace-exporter":  "trace.exporter",
}

// RegisterFlags adds every configuration flag to fs. Flag defaults are
// informational; unset flags never override the file or the environment.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringSlice("nodes", nil, "ordered node list as host:port; the index is the node id")
	fs.Int("self", 0, "this node's index in --nodes")
	fs.String("backend", "tcp", "link backend: tcp, rdma or rdma-native")
	fs.String("codec", "gob", "object codec, optionally with +zstd, +s2 or +lz4")
	fs.String("provider", ProviderSockets, "verbs provider for the rdma backend")
	fs.Int("pool-size", fabric.DefaultPoolSize, "send and receive buffers per peer")
	fs.Int("buffer-size", fabric.DefaultBufferSize, "bytes per rdma buffer, the largest encoded object")
	fs.Int("signal-interval", fabric.DefaultSignalInterval, "sends per signaled completion")
	fs.Int("queue-capacity", 0, "outbound queue bound per peer, 0 for unbounded")
	fs.Int("max-frame-size", codec.DefaultMaxFrameSize, "largest tcp frame accepted")
	fs.Duration("settle-delay", fabric.DefaultSettleDelay, "wait before dialing lower node ids")
	fs.Duration("dial-timeout", fabric.DefaultDialTimeout, "bound on dial retries per peer")
	fs.Duration("poll-interval", fabric.DefaultPollInterval, "completion and accept poll interval")
	fs.Duration("barrier-timeout", fabric.DefaultBarrierTimeout, "bound on the startup barrier")
	fs.Duration("drain-timeout", fabric.DefaultDrainTimeout, "bound on draining queued sends at shutdown")
	fs.String("log-level", "info", "log level: debug, info, warn or error")
	fs.String("log-format", "console", "log format: console or json")
	fs.String("metrics-sink", SinkNone, "metrics sink: prometheus, otel, gometrics or none")
	fs.String("metrics-listen", ":9464", "listen address for the prometheus /metrics endpoint")
	fs.String("trace-exporter", TraceNone, "span exporter: log or none")
}

// Load reads configuration from path (optional), the environment and fs
// (optional), then validates it.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("nodes", []string{})
	v.SetDefault("self", 0)
	v.SetDefault("backend", "tcp")
	v.SetDefault("codec", "gob")
	v.SetDefault("provider", ProviderSockets)

	v.SetDefault("transport.pool_size", fabric.DefaultPoolSize)
	v.SetDefault("transport.buffer_size", fabric.DefaultBufferSize)
	v.SetDefault("transport.signal_interval", fabric.DefaultSignalInterval)
	v.SetDefault("transport.queue_capacity", 0)
	v.SetDefault("transport.max_frame_size", codec.DefaultMaxFrameSize)

	v.SetDefault("timeouts.settle", fabric.DefaultSettleDelay)
	v.SetDefault("timeouts.dial", fabric.DefaultDialTimeout)
	v.SetDefault("timeouts.poll", fabric.DefaultPollInterval)
	v.SetDefault("timeouts.barrier", fabric.DefaultBarrierTimeout)
	v.SetDefault("timeouts.drain", fabric.DefaultDrainTimeout)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("metrics.sink", SinkNone)
	v.SetDefault("metrics.listen", ":9464")

	v.SetDefault("trace.exporter", TraceNone)
}

// Validate rejects settings New would refuse, and the ones only meshnode
// interprets.
func (c *Config) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("nodes: at least one node address is required")
	}
	if _, err := fabric.ParseNodeAddresses(c.Nodes); err != nil {
		return fmt.Errorf("nodes: %w", err)
	}
	if c.Self < 0 || c.Self >= len(c.Nodes) {
		return fmt.Errorf("self: %d is outside the node list of %d", c.Self, len(c.Nodes))
	}
	if _, err := fabric.ParseBackend(c.Backend); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	if _, err := codec.Lookup(c.Codec); err != nil {
		return fmt.Errorf("codec: %w", err)
	}
	switch c.Provider {
	case ProviderSockets, ProviderLoopback:
	default:
		return fmt.Errorf("provider: unknown provider %q", c.Provider)
	}

	t := c.Transport
	if t.PoolSize < 1 {
		return fmt.Errorf("transport.pool_size must be at least 1, got %d", t.PoolSize)
	}
	if t.BufferSize < 1 {
		return fmt.Errorf("transport.buffer_size must be positive, got %d", t.BufferSize)
	}
	if t.SignalInterval < 1 {
		return fmt.Errorf("transport.signal_interval must be at least 1, got %d", t.SignalInterval)
	}
	if t.QueueCapacity < 0 {
		return fmt.Errorf("transport.queue_capacity cannot be negative, got %d", t.QueueCapacity)
	}

	for name, d := range map[string]time.Duration{
		"timeouts.dial":    c.Timeouts.Dial,
		"timeouts.poll":    c.Timeouts.Poll,
		"timeouts.barrier": c.Timeouts.Barrier,
		"timeouts.drain":   c.Timeouts.Drain,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format: must be console or json, got %q", c.Log.Format)
	}
	switch c.Metrics.Sink {
	case SinkPrometheus, SinkOTel, SinkGoMetrics, SinkNone:
	default:
		return fmt.Errorf("metrics.sink: unknown sink %q", c.Metrics.Sink)
	}
	switch c.Trace.Exporter {
	case TraceLog, TraceNone:
	default:
		return fmt.Errorf("trace.exporter: unknown exporter %q", c.Trace.Exporter)
	}
	return nil
}

// NewProvider builds the configured verbs provider.
func (c *Config) NewProvider() (verbs.Provider, error) {
	switch c.Provider {
	case ProviderSockets:
		return sockets.New(sockets.Options{QP: softqp.Options{MaxMessageSize: c.Transport.BufferSize}}), nil
	case ProviderLoopback:
		return loopback.New(softqp.Options{MaxMessageSize: c.Transport.BufferSize}), nil
	default:
		return nil, fmt.Errorf("provider: unknown provider %q", c.Provider)
	}
}

// ToFabric converts c into a fabric.Config. Hooks for logging, tracing and
// metrics are left for the caller.
func (c *Config) ToFabric() (fabric.Config, error) {
	nodes, err := fabric.ParseNodeAddresses(c.Nodes)
	if err != nil {
		return fabric.Config{}, err
	}
	backend, err := fabric.ParseBackend(c.Backend)
	if err != nil {
		return fabric.Config{}, err
	}
	cdc, err := codec.Lookup(c.Codec)
	if err != nil {
		return fabric.Config{}, err
	}
	out := fabric.Config{
		Nodes:          nodes,
		Self:           c.Self,
		Backend:        backend,
		Codec:          cdc,
		PoolSize:       c.Transport.PoolSize,
		BufferSize:     c.Transport.BufferSize,
		SignalInterval: c.Transport.SignalInterval,
		QueueCapacity:  c.Transport.QueueCapacity,
		MaxFrameSize:   c.Transport.MaxFrameSize,
		SettleDelay:    c.Timeouts.Settle,
		DialTimeout:    c.Timeouts.Dial,
		PollInterval:   c.Timeouts.Poll,
		BarrierTimeout: c.Timeouts.Barrier,
		DrainTimeout:   c.Timeouts.Drain,
	}
	// fabric reads a zero delay as "use the default"; here zero means none.
	if out.SettleDelay == 0 {
		out.SettleDelay = -1
	}
	if backend == fabric.BackendRDMA {
		if out.Provider, err = c.NewProvider(); err != nil {
			return fabric.Config{}, err
		}
	}
	return out, nil
}
