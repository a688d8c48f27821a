package fabric

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/rocketbitz/meshfabric/codec"
	"github.com/rocketbitz/meshfabric/verbs"
)

var (
	// ErrClosed indicates the transport has been shut down.
	ErrClosed = errors.New("meshfabric: closed")
	// ErrUnknownPeer indicates a peer id outside the node list, or self.
	ErrUnknownPeer = errors.New("meshfabric: unknown peer")
	// ErrUnknownBackend indicates a backend name that is not recognised.
	ErrUnknownBackend = errors.New("meshfabric: unknown backend")
	// ErrBackendUnsupported indicates a recognised backend this build cannot run.
	ErrBackendUnsupported = errors.New("meshfabric: backend unsupported")
	// ErrBarrierViolation indicates an unexpected startup barrier token.
	ErrBarrierViolation = errors.New("meshfabric: barrier violation")
	// ErrHandshake indicates a malformed or conflicting link handshake.
	ErrHandshake = errors.New("meshfabric: handshake failed")
	// ErrUnexpectedControl indicates a control message where data was expected, or the reverse.
	ErrUnexpectedControl = errors.New("meshfabric: unexpected control message")
)

// SetupError reports a fatal failure while building the mesh.
type SetupError struct {
	Phase string
	Peer  int
	Err   error
}

func (e *SetupError) Error() string {
	if e.Peer < 0 {
		return fmt.Sprintf("meshfabric setup %s: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("meshfabric setup %s (peer %d): %v", e.Phase, e.Peer, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// BarrierError reports a failed startup barrier round.
type BarrierError struct {
	Round int
	Peer  int
	Got   uint32
	Want  uint32
	Err   error
}

func (e *BarrierError) Error() string {
	if errors.Is(e.Err, ErrBarrierViolation) {
		return fmt.Sprintf("meshfabric barrier round %d (peer %d): got token %d, want %d", e.Round, e.Peer, e.Got, e.Want)
	}
	return fmt.Sprintf("meshfabric barrier round %d (peer %d): %v", e.Round, e.Peer, e.Err)
}

func (e *BarrierError) Unwrap() error { return e.Err }

// CompletionError exposes a failed work completion from the RDMA data path.
type CompletionError struct {
	Op     verbs.Opcode
	Status verbs.Status
	WRID   uint64
	Slot   int
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("meshfabric %s completion error: %s (slot=%d wr_id=0x%x)", e.Op, e.Status, e.Slot, e.WRID)
}

// Unwrap allows errors.Is to match verbs.ErrFlushed for flush completions.
func (e *CompletionError) Unwrap() error { return e.Status.Err() }

// isClosedErr reports errors that end a worker loop without being a fault.
func isClosedErr(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, verbs.ErrFlushed),
		errors.Is(err, context.Canceled),
		errors.Is(err, errQueueClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	return false
}

func isDeadlineErr(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}

// isObjectErr reports failures scoped to one object; the link stays usable.
func isObjectErr(err error) bool {
	return errors.Is(err, codec.ErrSizeExceeded) || errors.Is(err, codec.ErrUnsupportedType)
}
