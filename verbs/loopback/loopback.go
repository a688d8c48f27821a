// Package loopback provides an in-process verbs provider. Addresses are
// arbitrary strings registered on a Network; connections are synchronous
// pipes, which makes it convenient for tests and single-process meshes.
package loopback

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/meshfabric/internal/softqp"
	"github.com/rocketbitz/meshfabric/verbs"
)

const backlog = 16

// Network is a namespace of loopback listeners.
type Network struct {
	opts softqp.Options

	mu        sync.Mutex
	listeners map[string]*listener
}

var _ verbs.Provider = (*Network)(nil)

// New returns an empty network.
func New(opts softqp.Options) *Network {
	return &Network{opts: opts, listeners: make(map[string]*listener)}
}

// Name returns "loopback".
func (n *Network) Name() string { return "loopback" }

// Listen registers addr on the network.
func (n *Network) Listen(_ context.Context, addr string) (verbs.Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[addr]; ok {
		return nil, fmt.Errorf("listen %s: %w", addr, verbs.ErrAddressInUse)
	}
	l := &listener{
		network: n,
		addr:    addr,
		backlog: make(chan net.Conn, backlog),
		done:    make(chan struct{}),
	}
	n.listeners[addr] = l
	return l, nil
}

// Dial connects to a listener registered under addr.
func (n *Network) Dial(ctx context.Context, addr string) (verbs.Endpoint, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	n.mu.Lock()
	l, ok := n.listeners[addr]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("connect %s: %w", addr, verbs.ErrConnectionRefused)
	}

	local, remote := net.Pipe()
	clientAddr := fmt.Sprintf("%s#%d", addr, l.seq.Add(1))
	client := &pipeConn{Conn: local, local: pipeAddr(clientAddr), remote: pipeAddr(addr)}
	server := &pipeConn{Conn: remote, local: pipeAddr(addr), remote: pipeAddr(clientAddr)}

	select {
	case l.backlog <- server:
	case <-l.done:
		_ = local.Close()
		_ = remote.Close()
		return nil, fmt.Errorf("connect %s: %w", addr, verbs.ErrConnectionRefused)
	case <-ctx.Done():
		_ = local.Close()
		_ = remote.Close()
		return nil, ctx.Err()
	}
	qp, err := softqp.Connect(ctx, client, n.opts)
	if err != nil {
		return nil, err
	}
	return qp, nil
}

type listener struct {
	network *Network
	addr    string
	backlog chan net.Conn
	done    chan struct{}
	seq     atomic.Uint64
	closed  atomic.Bool
}

func (l *listener) Addr() string { return l.addr }

func (l *listener) Accept(ctx context.Context) (verbs.Endpoint, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case conn := <-l.backlog:
		qp, err := softqp.Accept(ctx, conn, l.network.opts)
		if err != nil {
			return nil, err
		}
		return qp, nil
	case <-l.done:
		return nil, verbs.ErrInvalidHandle{Resource: "listener"}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.network.mu.Lock()
	if l.network.listeners[l.addr] == l {
		delete(l.network.listeners, l.addr)
	}
	l.network.mu.Unlock()
	close(l.done)
	for {
		select {
		case conn := <-l.backlog:
			_ = conn.Close()
		default:
			return nil
		}
	}
}

type pipeAddr string

func (a pipeAddr) Network() string { return "loopback" }
func (a pipeAddr) String() string  { return string(a) }

type pipeConn struct {
	net.Conn
	local, remote net.Addr
}

func (c *pipeConn) LocalAddr() net.Addr  { return c.local }
func (c *pipeConn) RemoteAddr() net.Addr { return c.remote }
