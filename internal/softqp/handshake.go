package softqp

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rocketbitz/meshfabric/verbs"
)

const (
	cmVersion = 1

	cmConnReq byte = 1
	cmAccept  byte = 2
	cmReject  byte = 3

	cmMsgLen = 8
)

var cmMagic = [4]byte{'M', 'F', 'Q', 'P'}

func cmMessage(kind byte) []byte {
	msg := make([]byte, 0, cmMsgLen)
	msg = append(msg, cmMagic[:]...)
	return append(msg, cmVersion, kind, 0, 0)
}

func readCM(conn net.Conn) (byte, error) {
	var msg [cmMsgLen]byte
	if _, err := io.ReadFull(conn, msg[:]); err != nil {
		return 0, err
	}
	if [4]byte(msg[:4]) != cmMagic {
		return 0, fmt.Errorf("%w: bad magic %x", errProtocol, msg[:4])
	}
	if msg[4] != cmVersion {
		return 0, fmt.Errorf("%w: unsupported version %d", errProtocol, msg[4])
	}
	return msg[5], nil
}

func handshakeDeadline(ctx context.Context, timeout time.Duration) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	return time.Now().Add(timeout)
}

// Connect runs the active side of the connection handshake on conn and
// returns an established queue pair. conn is closed on failure.
func Connect(ctx context.Context, conn net.Conn, opts Options) (*QP, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	_ = conn.SetDeadline(handshakeDeadline(ctx, opts.HandshakeTimeout))
	if _, err := conn.Write(cmMessage(cmConnReq)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send connect request: %w", err)
	}
	kind, err := readCM(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read connect reply: %w", err)
	}
	if kind != cmAccept {
		_ = conn.Close()
		return nil, fmt.Errorf("%w by %s", verbs.ErrConnectionRefused, conn.RemoteAddr())
	}
	_ = conn.SetDeadline(time.Time{})
	return newQP(conn, opts), nil
}

// Accept runs the passive side of the handshake on conn.
func Accept(ctx context.Context, conn net.Conn, opts Options) (*QP, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	_ = conn.SetDeadline(handshakeDeadline(ctx, opts.HandshakeTimeout))
	kind, err := readCM(conn)
	if err != nil {
		_, _ = conn.Write(cmMessage(cmReject))
		_ = conn.Close()
		return nil, fmt.Errorf("read connect request: %w", err)
	}
	if kind != cmConnReq {
		_, _ = conn.Write(cmMessage(cmReject))
		_ = conn.Close()
		return nil, fmt.Errorf("%w: expected connect request, got %d", errProtocol, kind)
	}
	if _, err := conn.Write(cmMessage(cmAccept)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send accept: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})
	return newQP(conn, opts), nil
}
