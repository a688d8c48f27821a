package fabric

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rocketbitz/meshfabric/codec"
	"github.com/rocketbitz/meshfabric/verbs"
)

// Defaults applied by New for zero-valued Config fields.
const (
	DefaultPoolSize       = 10
	DefaultSignalInterval = 32
	DefaultBufferSize     = 1 << 20
	DefaultSettleDelay    = 500 * time.Millisecond
	DefaultDialTimeout    = 10 * time.Second
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultBarrierTimeout = 30 * time.Second
	DefaultDrainTimeout   = 5 * time.Second

	// maxTCPNodes bounds TCP meshes because the handshake carries the node id in one byte.
	maxTCPNodes = 256
)

// Backend selects the link implementation.
type Backend int

const (
	BackendTCP Backend = iota
	BackendRDMA
	BackendRDMANative
)

func (b Backend) String() string {
	switch b {
	case BackendTCP:
		return "tcp"
	case BackendRDMA:
		return "rdma"
	case BackendRDMANative:
		return "rdma-native"
	default:
		return fmt.Sprintf("backend(%d)", int(b))
	}
}

// ParseBackend resolves a backend name.
func ParseBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "tcp":
		return BackendTCP, nil
	case "rdma", "verbs":
		return BackendRDMA, nil
	case "rdma-native", "native":
		return BackendRDMANative, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
}

// NodeAddress is one entry of the static node list. Its index in the list is
// the node id.
type NodeAddress struct {
	Host string
	Port int
}

func (a NodeAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseNodeAddress parses "host:port".
func ParseNodeAddress(s string) (NodeAddress, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return NodeAddress{}, fmt.Errorf("node address %q: %w", s, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return NodeAddress{}, fmt.Errorf("node address %q: invalid port %q", s, port)
	}
	return NodeAddress{Host: host, Port: p}, nil
}

// ParseNodeAddresses parses an ordered node list.
func ParseNodeAddresses(list []string) ([]NodeAddress, error) {
	out := make([]NodeAddress, 0, len(list))
	for _, s := range list {
		addr, err := ParseNodeAddress(s)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// Config controls New. Zero-valued tunables take the package defaults.
type Config struct {
	Nodes   []NodeAddress
	Self    int
	Backend Backend
	// Codec encodes application objects; nil selects gob.
	Codec codec.Codec
	// Provider drives RDMA connection management; nil selects the sockets provider.
	Provider verbs.Provider

	PoolSize       int
	BufferSize     int
	SignalInterval int
	// QueueCapacity bounds each outbound queue; 0 means unbounded.
	QueueCapacity int
	MaxFrameSize  int

	// SettleDelay is waited before dialing lower ids. Negative disables it.
	SettleDelay    time.Duration
	DialTimeout    time.Duration
	PollInterval   time.Duration
	BarrierTimeout time.Duration
	DrainTimeout   time.Duration

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

func (c Config) withDefaults() Config {
	if c.Codec == nil {
		c.Codec = codec.Gob{}
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.SignalInterval <= 0 {
		c.SignalInterval = DefaultSignalInterval
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = codec.DefaultMaxFrameSize
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BarrierTimeout <= 0 {
		c.BarrierTimeout = DefaultBarrierTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return c
}

func (c Config) validate() error {
	n := len(c.Nodes)
	if n == 0 {
		return fmt.Errorf("meshfabric config: empty node list")
	}
	if c.Self < 0 || c.Self >= n {
		return fmt.Errorf("meshfabric config: self %d outside node list of %d", c.Self, n)
	}
	switch c.Backend {
	case BackendTCP:
		if n > maxTCPNodes {
			return fmt.Errorf("meshfabric config: tcp backend supports at most %d nodes, got %d", maxTCPNodes, n)
		}
	case BackendRDMA:
		if n-1 > maxImmValue {
			return fmt.Errorf("meshfabric config: rdma backend supports at most %d nodes", maxImmValue+1)
		}
	case BackendRDMANative:
		return fmt.Errorf("%w: %s", ErrBackendUnsupported, c.Backend)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownBackend, c.Backend)
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("meshfabric config: negative queue capacity %d", c.QueueCapacity)
	}
	seen := make(map[NodeAddress]int, n)
	for i, addr := range c.Nodes {
		if prev, ok := seen[addr]; ok {
			return fmt.Errorf("meshfabric config: nodes %d and %d share address %s", prev, i, addr)
		}
		seen[addr] = i
	}
	return nil
}

// effectiveSignalInterval clamps the signal interval so that at least two
// signaled sends can be in flight within one pool and a batch count always
// fits in a work request id.
func effectiveSignalInterval(signalInterval, poolSize int) int {
	return min(signalInterval, max(1, poolSize/2), wrCountMask)
}
