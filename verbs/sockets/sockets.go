// Package sockets provides a verbs provider that runs software queue pairs
// over TCP connections.
package sockets

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rocketbitz/meshfabric/internal/softqp"
	"github.com/rocketbitz/meshfabric/verbs"
)

const acceptPollInterval = 100 * time.Millisecond

// Options tunes the provider.
type Options struct {
	QP        softqp.Options
	KeepAlive time.Duration
}

// Provider implements verbs.Provider over TCP.
type Provider struct {
	opts Options
}

var _ verbs.Provider = (*Provider)(nil)

// New returns a TCP-backed provider.
func New(opts Options) *Provider {
	return &Provider{opts: opts}
}

// Name returns "sockets".
func (p *Provider) Name() string { return "sockets" }

// Listen binds addr and returns a listener for incoming queue pairs.
func (p *Provider) Listen(ctx context.Context, addr string) (verbs.Listener, error) {
	laddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve address %s: %w", addr, err)
	}
	ln, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("listen %s: %w", addr, verbs.ErrAddressInUse)
		}
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &listener{ln: ln, opts: p.opts}, nil
}

// Dial resolves addr, connects and completes the queue pair handshake.
func (p *Provider) Dial(ctx context.Context, addr string) (verbs.Endpoint, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve address %s: %w", addr, err)
	}
	dialer := net.Dialer{KeepAlive: p.opts.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", raddr.String())
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("connect %s: %w", addr, verbs.ErrConnectionRefused)
		}
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	qp, err := softqp.Connect(ctx, conn, p.opts.QP)
	if err != nil {
		return nil, err
	}
	return qp, nil
}

type listener struct {
	ln     *net.TCPListener
	opts   Options
	closed atomic.Bool
}

func (l *listener) Addr() string {
	return l.ln.Addr().String()
}

// Accept waits for the next connection request, polling so that ctx
// cancellation and Close are observed promptly.
func (l *listener) Accept(ctx context.Context) (verbs.Endpoint, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		if l.closed.Load() {
			return nil, verbs.ErrInvalidHandle{Resource: "listener"}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_ = l.ln.SetDeadline(time.Now().Add(acceptPollInterval))
		conn, err := l.ln.AcceptTCP()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if l.closed.Load() {
				return nil, verbs.ErrInvalidHandle{Resource: "listener"}
			}
			return nil, fmt.Errorf("accept: %w", err)
		}
		_ = conn.SetNoDelay(true)
		qp, err := softqp.Accept(ctx, conn, l.opts.QP)
		if err != nil {
			return nil, err
		}
		return qp, nil
	}
}

func (l *listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.ln.Close()
}
