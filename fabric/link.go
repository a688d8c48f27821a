package fabric

import (
	"context"
	"fmt"
	"time"
)

// link is one established connection to a peer at object granularity. The
// token primitives are used only before the workers start; afterwards a
// single Writer and a single Reader own the data methods.
type link interface {
	remoteAddr() string

	sendToken(ctx context.Context, token uint32) error
	recvToken(ctx context.Context) (uint32, error)

	// writeObject encodes and transmits obj. flush hints that no further
	// object is queued behind it.
	writeObject(ctx context.Context, obj any, flush bool) error
	readObject(ctx context.Context) (any, error)

	// pending reports sends handed to the network but not yet acknowledged.
	pending() int
	// reap waits up to timeout for acknowledgements of pending sends.
	reap(timeout time.Duration) error
	// creditStalls counts sends that had to wait for a free buffer.
	creditStalls() uint64

	stopReceives()
	// interrupt unblocks in-progress I/O during shutdown.
	interrupt()
	close() error
}

// acceptor yields links from higher-numbered peers together with the node id
// each peer announced.
type acceptor interface {
	accept(ctx context.Context) (link, int, error)
	close() error
}

// driver is the per-backend factory for links.
type driver interface {
	listen(ctx context.Context, addr NodeAddress) (acceptor, error)
	dial(ctx context.Context, addr NodeAddress, self int) (link, error)
}

func newDriver(cfg Config, tel *telemetry) (driver, error) {
	switch cfg.Backend {
	case BackendTCP:
		return &tcpDriver{cfg: cfg}, nil
	case BackendRDMA:
		return newRDMADriver(cfg, tel), nil
	case BackendRDMANative:
		return nil, fmt.Errorf("%w: %s", ErrBackendUnsupported, cfg.Backend)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Backend)
	}
}
