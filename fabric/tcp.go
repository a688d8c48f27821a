package fabric

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rocketbitz/meshfabric/codec"
)

const tcpBufferSize = 64 << 10

type tcpDriver struct {
	cfg Config
}

func (d *tcpDriver) listen(ctx context.Context, addr NodeAddress) (acceptor, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &tcpAcceptor{ln: ln.(*net.TCPListener), cfg: d.cfg}, nil
}

func (d *tcpDriver) dial(ctx context.Context, addr NodeAddress, self int) (link, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	l := newTCPLink(conn, d.cfg)
	if err := l.sendToken(ctx, uint32(self)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: send node id: %v", ErrHandshake, err)
	}
	return l, nil
}

type tcpAcceptor struct {
	ln  *net.TCPListener
	cfg Config
}

func (a *tcpAcceptor) accept(ctx context.Context) (link, int, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, -1, err
		}
		_ = a.ln.SetDeadline(time.Now().Add(a.cfg.PollInterval))
		conn, err := a.ln.Accept()
		if err != nil {
			if isDeadlineErr(err) {
				continue
			}
			return nil, -1, fmt.Errorf("accept: %w", err)
		}
		l := newTCPLink(conn, a.cfg)
		id, err := l.recvToken(ctx)
		if err != nil {
			_ = conn.Close()
			return nil, -1, fmt.Errorf("%w: read node id from %s: %v", ErrHandshake, conn.RemoteAddr(), err)
		}
		return l, int(id), nil
	}
}

func (a *tcpAcceptor) close() error {
	return a.ln.Close()
}

// tcpLink frames objects over a buffered stream. Tokens and the handshake id
// are single bytes written ahead of any frame.
type tcpLink struct {
	conn net.Conn
	bw   *bufio.Writer
	br   *bufio.Reader
	fw   *codec.FrameWriter
	fr   *codec.FrameReader

	interrupted atomic.Bool
}

func newTCPLink(conn net.Conn, cfg Config) *tcpLink {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	bw := bufio.NewWriterSize(conn, tcpBufferSize)
	br := bufio.NewReaderSize(conn, tcpBufferSize)
	return &tcpLink{
		conn: conn,
		bw:   bw,
		br:   br,
		fw:   codec.NewFrameWriter(bw, cfg.Codec, cfg.MaxFrameSize),
		fr:   codec.NewFrameReader(br, cfg.Codec, cfg.MaxFrameSize),
	}
}

func (l *tcpLink) remoteAddr() string {
	return l.conn.RemoteAddr().String()
}

func (l *tcpLink) sendToken(ctx context.Context, token uint32) error {
	if token > 0xff {
		return fmt.Errorf("tcp token %d does not fit one byte", token)
	}
	return l.withContext(ctx, func() error {
		if err := l.bw.WriteByte(byte(token)); err != nil {
			return err
		}
		return l.bw.Flush()
	})
}

func (l *tcpLink) recvToken(ctx context.Context) (uint32, error) {
	var token byte
	err := l.withContext(ctx, func() error {
		var err error
		token, err = l.br.ReadByte()
		return err
	})
	return uint32(token), err
}

// withContext bounds fn by ctx through connection deadlines.
func (l *tcpLink) withContext(ctx context.Context, fn func() error) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = l.conn.SetDeadline(dl)
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = l.conn.SetDeadline(time.Now())
		close(fired)
	})
	err := fn()
	if !stop() {
		<-fired
		if err != nil {
			err = errors.Join(ctx.Err(), err)
		}
	}
	_ = l.conn.SetDeadline(time.Time{})
	return err
}

func (l *tcpLink) writeObject(_ context.Context, obj any, flush bool) error {
	if err := l.fw.Write(obj); err != nil {
		if isObjectErr(err) && flush {
			if ferr := l.fw.Flush(); ferr != nil {
				return l.mapErr(ferr)
			}
		}
		return l.mapErr(err)
	}
	if flush {
		return l.mapErr(l.fw.Flush())
	}
	return nil
}

func (l *tcpLink) readObject(context.Context) (any, error) {
	obj, err := l.fr.Read()
	return obj, l.mapErr(err)
}

// mapErr turns the deadline error raised by interrupt into net.ErrClosed.
func (l *tcpLink) mapErr(err error) error {
	if err != nil && l.interrupted.Load() && isDeadlineErr(err) {
		return fmt.Errorf("%w: %v", net.ErrClosed, err)
	}
	return err
}

func (l *tcpLink) pending() int { return 0 }

func (l *tcpLink) reap(time.Duration) error { return nil }

func (l *tcpLink) creditStalls() uint64 { return 0 }

func (l *tcpLink) stopReceives() {}

func (l *tcpLink) interrupt() {
	l.interrupted.Store(true)
	_ = l.conn.SetDeadline(time.Now())
}

func (l *tcpLink) close() error {
	err := l.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
