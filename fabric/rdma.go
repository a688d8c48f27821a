package fabric

import (
	"context"
	"fmt"

	"github.com/rocketbitz/meshfabric/verbs"
	"github.com/rocketbitz/meshfabric/verbs/sockets"
)

type rdmaDriver struct {
	cfg      Config
	tel      *telemetry
	provider verbs.Provider
}

func newRDMADriver(cfg Config, tel *telemetry) *rdmaDriver {
	provider := cfg.Provider
	if provider == nil {
		provider = sockets.New(sockets.Options{})
	}
	return &rdmaDriver{cfg: cfg, tel: tel, provider: provider}
}

// engineFor builds the buffer engine for a fresh endpoint. The peer is not
// known yet on the accepting side, so stalls are attributed through peerOf.
func (d *rdmaDriver) engineFor(ep verbs.Endpoint, peerOf func() int) (*bufferEngine, error) {
	return newBufferEngine(ep, engineConfig{
		poolSize:       d.cfg.PoolSize,
		bufferSize:     d.cfg.BufferSize,
		signalInterval: d.cfg.SignalInterval,
		pollInterval:   d.cfg.PollInterval,
		codec:          d.cfg.Codec,
		onStall: func() {
			d.tel.creditStalled(logKV(labelPeer, peerOf()))
		},
	})
}

func (d *rdmaDriver) listen(ctx context.Context, addr NodeAddress) (acceptor, error) {
	ln, err := d.provider.Listen(ctx, addr.String())
	if err != nil {
		return nil, fmt.Errorf("%s listen %s: %w", d.provider.Name(), addr, err)
	}
	return &rdmaAcceptor{driver: d, ln: ln}, nil
}

func (d *rdmaDriver) dial(ctx context.Context, addr NodeAddress, self int) (link, error) {
	ep, err := d.provider.Dial(ctx, addr.String())
	if err != nil {
		return nil, fmt.Errorf("%s dial %s: %w", d.provider.Name(), addr, err)
	}
	peer := -1
	for i, node := range d.cfg.Nodes {
		if node == addr {
			peer = i
		}
	}
	eng, err := d.engineFor(ep, func() int { return peer })
	if err != nil {
		_ = ep.Close()
		return nil, err
	}
	if err := eng.sendControl(ctx, immHello, uint32(self)); err != nil {
		_ = eng.close()
		return nil, fmt.Errorf("%w: send hello: %v", ErrHandshake, err)
	}
	return &rdmaLink{bufferEngine: eng, peer: peer}, nil
}

type rdmaAcceptor struct {
	driver *rdmaDriver
	ln     verbs.Listener
}

func (a *rdmaAcceptor) accept(ctx context.Context) (link, int, error) {
	ep, err := a.ln.Accept(ctx)
	if err != nil {
		return nil, -1, fmt.Errorf("accept: %w", err)
	}
	l := &rdmaLink{peer: -1}
	eng, err := a.driver.engineFor(ep, func() int { return l.peer })
	if err != nil {
		_ = ep.Close()
		return nil, -1, err
	}
	l.bufferEngine = eng
	id, err := eng.recvControl(ctx, immHello)
	if err != nil {
		_ = eng.close()
		return nil, -1, fmt.Errorf("%w: read hello from %s: %v", ErrHandshake, ep.RemoteAddr(), err)
	}
	l.peer = int(id)
	return l, int(id), nil
}

func (a *rdmaAcceptor) close() error {
	return a.ln.Close()
}

// rdmaLink is a buffer engine bound to a peer id.
type rdmaLink struct {
	*bufferEngine
	peer int
}
