// Package softqp implements a reliable connected queue pair in software on
// top of a byte stream. It keeps the verbs contract: receives must be posted
// before data lands, completions are ordered per queue, unsignaled sends
// complete silently, and a send completes only after the peer placed the
// message into a posted receive buffer.
package softqp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rocketbitz/meshfabric/verbs"
)

const (
	// DefaultMaxMessageSize bounds a single message on the wire.
	DefaultMaxMessageSize = 64 << 20
	// DefaultHandshakeTimeout bounds the connection handshake when the caller
	// supplies no deadline.
	DefaultHandshakeTimeout = 5 * time.Second

	defaultCQDepth = 64
	ioBufferSize   = 64 << 10
)

// Options tunes a queue pair.
type Options struct {
	CQDepth          int
	MaxMessageSize   int
	HandshakeTimeout time.Duration
}

type qpState int

const (
	stateReady qpState = iota
	stateError
)

type inbound struct {
	imm     uint32
	hasImm  bool
	payload []byte
}

type sentWR struct {
	wrID     uint64
	length   int
	signaled bool
}

// QP is a connected queue pair. It satisfies verbs.Endpoint.
type QP struct {
	conn   net.Conn
	reg    verbs.Registry
	sendCQ *verbs.RingCQ
	recvCQ *verbs.RingCQ
	maxMsg int

	mu       sync.Mutex
	state    qpState
	failErr  error
	recvs    []verbs.RecvRequest
	pending  []inbound
	unsent   []verbs.SendRequest
	unacked  []sentWR
	acksOwed uint32

	wake      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ verbs.Endpoint = (*QP)(nil)

func newQP(conn net.Conn, opts Options) *QP {
	depth := opts.CQDepth
	if depth <= 0 {
		depth = defaultCQDepth
	}
	maxMsg := opts.MaxMessageSize
	if maxMsg <= 0 {
		maxMsg = DefaultMaxMessageSize
	}
	q := &QP{
		conn:   conn,
		sendCQ: verbs.NewRingCQ(depth),
		recvCQ: verbs.NewRingCQ(depth),
		maxMsg: maxMsg,
		wake:   make(chan struct{}, 1),
	}
	q.wg.Add(2)
	go q.readLoop()
	go q.writeLoop()
	return q
}

// RegisterMemory pins buf for use with this queue pair.
func (q *QP) RegisterMemory(buf []byte, access verbs.MRAccessFlag) (*verbs.MemoryRegion, error) {
	return q.reg.Register(buf, access)
}

// Registrations reports the number of regions still registered.
func (q *QP) Registrations() int {
	return q.reg.Len()
}

// SendCQ returns the send completion queue.
func (q *QP) SendCQ() verbs.CompletionQueue { return q.sendCQ }

// RecvCQ returns the receive completion queue.
func (q *QP) RecvCQ() verbs.CompletionQueue { return q.recvCQ }

// LocalAddr returns the local address of the underlying stream.
func (q *QP) LocalAddr() string { return q.conn.LocalAddr().String() }

// RemoteAddr returns the peer address of the underlying stream.
func (q *QP) RemoteAddr() string { return q.conn.RemoteAddr().String() }

// Err returns the error that moved the queue pair out of the ready state.
func (q *QP) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failErr
}

// PostSend queues a send. The region must stay untouched until the send is
// covered by a completion.
func (q *QP) PostSend(req *verbs.SendRequest) error {
	if req == nil {
		return errors.New("softqp: nil send request")
	}
	if req.Length < 0 || (req.Length > 0 && req.Region == nil) {
		return fmt.Errorf("%w: length %d without region", verbs.ErrRegionTooSmall, req.Length)
	}
	if req.Region != nil {
		if !q.reg.Contains(req.Region) {
			return verbs.ErrInvalidHandle{Resource: "memory region"}
		}
		if req.Length > req.Region.Size() {
			return fmt.Errorf("%w: length %d exceeds region %d", verbs.ErrRegionTooSmall, req.Length, req.Region.Size())
		}
	}
	if req.Length > q.maxMsg {
		return fmt.Errorf("%w: length %d exceeds max message %d", verbs.ErrRegionTooSmall, req.Length, q.maxMsg)
	}
	q.mu.Lock()
	if q.state != stateReady {
		q.mu.Unlock()
		return verbs.ErrQPState
	}
	q.unsent = append(q.unsent, *req)
	q.mu.Unlock()
	q.kick()
	return nil
}

// PostRecv posts a receive buffer. Messages that arrived before any receive
// was posted are matched immediately.
func (q *QP) PostRecv(req *verbs.RecvRequest) error {
	if req == nil {
		return errors.New("softqp: nil receive request")
	}
	if req.Region != nil && !q.reg.Contains(req.Region) {
		return verbs.ErrInvalidHandle{Resource: "memory region"}
	}
	q.mu.Lock()
	if q.state != stateReady {
		q.mu.Unlock()
		return verbs.ErrQPState
	}
	q.recvs = append(q.recvs, *req)
	owed := q.matchLocked()
	q.mu.Unlock()
	if owed {
		q.kick()
	}
	return nil
}

// Close moves the queue pair to the error state, flushes every outstanding
// work request and waits for the I/O goroutines to exit.
func (q *QP) Close() error {
	q.closeOnce.Do(func() {
		q.fail(verbs.ErrFlushed)
		q.wg.Wait()
	})
	return nil
}

func (q *QP) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// matchLocked places pending messages into posted receives. It reports
// whether acknowledgements are owed to the peer.
func (q *QP) matchLocked() bool {
	matched := false
	for len(q.recvs) > 0 && len(q.pending) > 0 {
		rr := q.recvs[0]
		q.recvs = q.recvs[1:]
		msg := q.pending[0]
		q.pending = q.pending[1:]

		wc := verbs.WorkCompletion{
			WRID:    rr.WRID,
			Opcode:  verbs.OpRecv,
			ByteLen: len(msg.payload),
			Imm:     msg.imm,
			HasImm:  msg.hasImm,
		}
		if len(msg.payload) > 0 {
			buf := rr.Region.Bytes()
			if len(buf) < len(msg.payload) {
				wc.Status = verbs.StatusLocalLength
				wc.ByteLen = 0
			} else {
				copy(buf, msg.payload)
			}
		}
		q.recvCQ.Push(wc)
		q.acksOwed++
		matched = true
	}
	return matched
}

func (q *QP) ackSends(count uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for ; count > 0 && len(q.unacked) > 0; count-- {
		wr := q.unacked[0]
		q.unacked = q.unacked[1:]
		if wr.signaled {
			q.sendCQ.Push(verbs.WorkCompletion{
				WRID:    wr.wrID,
				Opcode:  verbs.OpSend,
				ByteLen: wr.length,
			})
		}
	}
}

func (q *QP) fail(err error) {
	q.mu.Lock()
	if q.state == stateError {
		q.mu.Unlock()
		return
	}
	q.state = stateError
	q.failErr = err
	unacked, unsent, recvs := q.unacked, q.unsent, q.recvs
	q.unacked, q.unsent, q.recvs, q.pending = nil, nil, nil, nil
	q.mu.Unlock()

	for _, wr := range unacked {
		q.sendCQ.Push(verbs.WorkCompletion{WRID: wr.wrID, Opcode: verbs.OpSend, Status: verbs.StatusFlushed})
	}
	for _, wr := range unsent {
		q.sendCQ.Push(verbs.WorkCompletion{WRID: wr.WRID, Opcode: verbs.OpSend, Status: verbs.StatusFlushed})
	}
	for _, rr := range recvs {
		q.recvCQ.Push(verbs.WorkCompletion{WRID: rr.WRID, Opcode: verbs.OpRecv, Status: verbs.StatusFlushed})
	}
	_ = q.conn.Close()
	q.kick()
}

func (q *QP) readLoop() {
	defer q.wg.Done()
	br := bufio.NewReaderSize(q.conn, ioBufferSize)
	var hdr [headerLen]byte
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			q.fail(err)
			return
		}
		h, err := parseHeader(hdr[:])
		if err != nil {
			q.fail(err)
			return
		}
		switch h.op {
		case opAck:
			q.ackSends(h.length)
		case opSend:
			if int64(h.length) > int64(q.maxMsg) {
				q.fail(fmt.Errorf("%w: message of %d bytes exceeds limit %d", errProtocol, h.length, q.maxMsg))
				return
			}
			var payload []byte
			if h.length > 0 {
				payload = make([]byte, h.length)
				if _, err := io.ReadFull(br, payload); err != nil {
					q.fail(err)
					return
				}
			}
			q.mu.Lock()
			if q.state != stateReady {
				q.mu.Unlock()
				return
			}
			q.pending = append(q.pending, inbound{imm: h.imm, hasImm: h.flags&flagImm != 0, payload: payload})
			owed := q.matchLocked()
			q.mu.Unlock()
			if owed {
				q.kick()
			}
		}
	}
}

func (q *QP) writeLoop() {
	defer q.wg.Done()
	bw := bufio.NewWriterSize(q.conn, ioBufferSize)
	hdr := make([]byte, 0, headerLen)
	for {
		q.mu.Lock()
		for q.state == stateReady && len(q.unsent) == 0 && q.acksOwed == 0 {
			q.mu.Unlock()
			<-q.wake
			q.mu.Lock()
		}
		if q.state != stateReady {
			q.mu.Unlock()
			return
		}
		acks := q.acksOwed
		q.acksOwed = 0
		batch := q.unsent
		q.unsent = nil
		for _, req := range batch {
			q.unacked = append(q.unacked, sentWR{wrID: req.WRID, length: req.Length, signaled: req.Signaled})
		}
		q.mu.Unlock()

		if acks > 0 {
			hdr = appendHeader(hdr[:0], header{op: opAck, length: acks})
			if _, err := bw.Write(hdr); err != nil {
				q.fail(err)
				return
			}
		}
		for _, req := range batch {
			var payload []byte
			if req.Length > 0 {
				payload = req.Region.Bytes()
				if len(payload) < req.Length {
					q.fail(verbs.ErrInvalidHandle{Resource: "memory region"})
					return
				}
				payload = payload[:req.Length]
			}
			var flags byte
			if req.HasImm {
				flags |= flagImm
			}
			hdr = appendHeader(hdr[:0], header{op: opSend, flags: flags, imm: req.Imm, length: uint32(req.Length)})
			if _, err := bw.Write(hdr); err != nil {
				q.fail(err)
				return
			}
			if _, err := bw.Write(payload); err != nil {
				q.fail(err)
				return
			}
		}
		if err := bw.Flush(); err != nil {
			q.fail(err)
			return
		}
	}
}
