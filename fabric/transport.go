// Package fabric implements a peer-to-peer message transport for a fixed set
// of nodes. New connects every node to every other one over TCP or an RDMA
// verbs provider, runs a startup barrier and then moves application objects
// between per-peer queues and the network on dedicated goroutines.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/meshfabric/codec"
)

const drainPollInterval = 5 * time.Millisecond

// Transport exchanges objects with every other node of the mesh.
type Transport struct {
	cfg      Config
	tel      *telemetry
	inbound  *queue[Message]
	channels []*peerChannel

	closed       atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds the mesh, runs the startup barrier and starts the per-peer
// workers. Every node of cfg.Nodes must call New with the same node list.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	ctx = ensureContext(ctx)
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	tel := newTelemetry(cfg)
	drv, err := newDriver(cfg, tel)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		cfg:      cfg,
		tel:      tel,
		inbound:  newQueue[Message](0, max(64, cfg.PoolSize*len(cfg.Nodes))),
		channels: make([]*peerChannel, len(cfg.Nodes)),
	}

	tel.logInfo("starting", logKV("nodes", len(cfg.Nodes)), logKV(labelBackend, cfg.Backend), logKV(labelCodec, cfg.Codec.Name()))
	links, err := establishMesh(ctx, cfg, drv, tel)
	if err != nil {
		return nil, err
	}
	for id, l := range links {
		t.channels[id] = newPeerChannel(id, l, t.inbound, cfg, tel)
	}
	if err := runBarrier(ctx, cfg, links, tel); err != nil {
		tel.logError("barrier failed", logKV("error", err))
		_ = t.closeChannels()
		return nil, err
	}
	for _, ch := range t.channels {
		if ch == nil {
			continue
		}
		ch.markReady()
		ch.start()
	}
	tel.logInfo("running", logKV("peers", len(links)))
	return t, nil
}

// Self returns this node's id.
func (t *Transport) Self() int { return t.cfg.Self }

// Size returns the number of nodes in the mesh.
func (t *Transport) Size() int { return len(t.cfg.Nodes) }

// Backend returns the active backend.
func (t *Transport) Backend() Backend { return t.cfg.Backend }

// Send queues obj for peer. It only blocks when QueueCapacity bounds the
// outbound queue and the queue is full.
func (t *Transport) Send(peer int, obj any) error {
	return t.SendContext(context.Background(), peer, obj)
}

// SendContext is Send with a bound on the wait for queue space.
func (t *Transport) SendContext(ctx context.Context, peer int, obj any) error {
	if t.closed.Load() {
		return ErrClosed
	}
	ch, err := t.channel(peer)
	if err != nil {
		return err
	}
	if err := t.checkSize(obj); err != nil {
		return fmt.Errorf("send to %d: %w", peer, err)
	}
	if err := ch.enqueue(ensureContext(ctx), obj); err != nil {
		if errors.Is(err, errQueueClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// checkSize rejects objects larger than one RDMA buffer or one TCP frame.
func (t *Transport) checkSize(obj any) error {
	limit, what := t.cfg.MaxFrameSize, "frame limit"
	if t.cfg.Backend == BackendRDMA {
		limit, what = t.cfg.BufferSize, "buffer"
	}
	size, err := codec.SizeOf(t.cfg.Codec, obj)
	if err != nil {
		return err
	}
	if size > limit {
		return fmt.Errorf("%w: %d bytes exceeds %s of %d", codec.ErrSizeExceeded, size, what, limit)
	}
	return nil
}

func (t *Transport) channel(peer int) (*peerChannel, error) {
	if peer < 0 || peer >= len(t.channels) || t.channels[peer] == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPeer, peer)
	}
	return t.channels[peer], nil
}

// Receive blocks for the next object from any peer. Objects from one peer
// arrive in the order that peer sent them.
func (t *Transport) Receive(ctx context.Context) (any, error) {
	msg, err := t.ReceiveMessage(ctx)
	return msg.Value, err
}

// ReceiveMessage is Receive that also reports the sending peer.
func (t *Transport) ReceiveMessage(ctx context.Context) (Message, error) {
	msg, err := t.inbound.Pop(ensureContext(ctx))
	if errors.Is(err, errQueueClosed) {
		return Message{}, ErrClosed
	}
	return msg, err
}

// HasReceive reports whether Receive would return without blocking.
func (t *Transport) HasReceive() bool {
	return t.inbound.Len() > 0
}

// Stats returns a snapshot of the per-peer counters keyed by peer id.
func (t *Transport) Stats() map[int]Stats {
	out := make(map[int]Stats, len(t.channels))
	for id, ch := range t.channels {
		if ch == nil {
			continue
		}
		out[id] = ch.snapshot()
	}
	return out
}

// Shutdown waits, bounded by ctx, for queued sends to drain and then closes
// every channel. It is safe to call more than once.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		t.shutdownErr = t.shutdown(ensureContext(ctx))
	})
	return t.shutdownErr
}

// Close is Shutdown bounded by the configured drain timeout.
func (t *Transport) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DrainTimeout)
	defer cancel()
	return t.Shutdown(ctx)
}

func (t *Transport) shutdown(ctx context.Context) error {
	t.closed.Store(true)
	start := time.Now()
	drained := t.drain(ctx)
	t.tel.logDebug("drain finished", logKV("drained", drained), logKV("elapsed", time.Since(start)))
	err := t.closeChannels()
	t.inbound.Close(false)
	if err != nil {
		t.tel.logError("shutdown", logKV("error", err))
	} else {
		t.tel.logInfo("shutdown complete")
	}
	return err
}

func (t *Transport) drain(ctx context.Context) bool {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		idle := true
		for _, ch := range t.channels {
			if ch != nil && !ch.idle() {
				idle = false
				break
			}
		}
		if idle {
			return true
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false
		}
	}
}

func (t *Transport) closeChannels() error {
	var g errgroup.Group
	errs := make([]error, len(t.channels))
	for id, ch := range t.channels {
		id, ch := id, ch
		if ch == nil {
			continue
		}
		g.Go(func() error {
			if err := ch.close(); err != nil {
				errs[id] = fmt.Errorf("close peer %d: %w", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Peers returns the ids of every connected peer in ascending order.
func (t *Transport) Peers() []int {
	peers := make([]int, 0, len(t.channels))
	for id, ch := range t.channels {
		if ch != nil {
			peers = append(peers, id)
		}
	}
	sort.Ints(peers)
	return peers
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
