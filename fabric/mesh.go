package fabric

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	dialBackoffInitial = 50 * time.Millisecond
	dialBackoffMax     = time.Second
)

// establishMesh connects self to every other node. Node i accepts from every
// higher id and dials every lower id, so each pair is connected exactly once
// and no two nodes wait on each other.
func establishMesh(ctx context.Context, cfg Config, drv driver, tel *telemetry) (links map[int]link, err error) {
	n := len(cfg.Nodes)
	self := cfg.Self
	span := tel.startSpan("meshfabric-mesh", logKV("nodes", n))
	defer func() { spanEnd(span, err) }()

	links = make(map[int]link, n-1)
	var mu sync.Mutex
	bind := func(id int, l link) error {
		mu.Lock()
		defer mu.Unlock()
		if _, dup := links[id]; dup {
			return fmt.Errorf("%w: duplicate link from node %d", ErrHandshake, id)
		}
		links[id] = l
		return nil
	}
	closeAll := func() {
		mu.Lock()
		defer mu.Unlock()
		for id, l := range links {
			_ = l.close()
			delete(links, id)
		}
	}

	expected := n - 1 - self
	var acc acceptor
	if expected > 0 {
		acc, err = drv.listen(ctx, cfg.Nodes[self])
		if err != nil {
			return nil, &SetupError{Phase: "listen", Peer: self, Err: err}
		}
		tel.logDebug("listening", logKV("addr", cfg.Nodes[self]), logKV("expect", expected))
	}

	g, gctx := errgroup.WithContext(ctx)
	if acc != nil {
		g.Go(func() error {
			defer acc.close()
			for i := 0; i < expected; i++ {
				l, id, err := acc.accept(gctx)
				if err != nil {
					return &SetupError{Phase: "accept", Peer: -1, Err: err}
				}
				if id <= self || id >= n {
					_ = l.close()
					return &SetupError{Phase: "handshake", Peer: id, Err: fmt.Errorf("%w: node id %d not in (%d, %d)", ErrHandshake, id, self, n)}
				}
				if err := bind(id, l); err != nil {
					_ = l.close()
					return &SetupError{Phase: "handshake", Peer: id, Err: err}
				}
				tel.logDebug("accepted", logKV(labelPeer, id), logKV("remote", l.remoteAddr()))
				spanAddEvent(span, "accepted", logKV(labelPeer, id))
			}
			return nil
		})
	}
	g.Go(func() error {
		if self == 0 {
			return nil
		}
		if cfg.SettleDelay > 0 {
			select {
			case <-time.After(cfg.SettleDelay):
			case <-gctx.Done():
				return &SetupError{Phase: "connect", Peer: 0, Err: gctx.Err()}
			}
		}
		for id := 0; id < self; id++ {
			l, err := dialWithRetry(gctx, cfg, drv, id, tel)
			if err != nil {
				return &SetupError{Phase: "connect", Peer: id, Err: err}
			}
			if err := bind(id, l); err != nil {
				_ = l.close()
				return &SetupError{Phase: "connect", Peer: id, Err: err}
			}
			tel.logDebug("connected", logKV(labelPeer, id), logKV("remote", l.remoteAddr()))
			spanAddEvent(span, "connected", logKV(labelPeer, id))
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		closeAll()
		tel.logError("mesh failed", logKV("error", err))
		return nil, err
	}
	tel.logInfo("mesh established", logKV("peers", len(links)))
	return links, nil
}

// dialWithRetry dials node id until it answers or DialTimeout elapses. The
// peer may not be listening yet, so refusals are retried with backoff.
func dialWithRetry(ctx context.Context, cfg Config, drv driver, id int, tel *telemetry) (link, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	backoff := dialBackoffInitial
	for attempt := 1; ; attempt++ {
		l, err := drv.dial(ctx, cfg.Nodes[id], cfg.Self)
		if err == nil {
			return l, nil
		}
		tel.logDebug("dial retry", logKV(labelPeer, id), logKV("attempt", attempt), logKV("error", err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("after %d attempts: %w", attempt, err)
		}
		backoff = min(backoff*2, dialBackoffMax)
	}
}
