package fabric

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rocketbitz/meshfabric/codec"
	"github.com/rocketbitz/meshfabric/verbs"
)

type engineConfig struct {
	poolSize       int
	bufferSize     int
	signalInterval int
	pollInterval   time.Duration
	codec          codec.Codec
	// onStall is invoked once each time a send waits for a free slot.
	onStall func()
}

// bufferEngine drives the RDMA data path of one peer over a connected
// endpoint. Send and receive regions are registered once; sends borrow a slot
// from the pool and return it when a signaled completion covers them.
//
// Only the Writer calls send and reap, and only the Reader calls receive.
// The control methods run before the workers start and close after they stop.
type bufferEngine struct {
	ep  verbs.Endpoint
	cfg engineConfig

	sendPool    *verbs.MRPool
	recvRegions []*verbs.MemoryRegion

	// inflight holds posted send slots in posting order.
	inflight     []int
	inflightHead int
	inflightLen  int
	unsignaled   int
	interval     int

	outstanding  atomic.Int64
	stalls       atomic.Uint64
	controlAcked int
	stopped      atomic.Bool
	closed       atomic.Bool
	sendErr      error
}

var _ link = (*bufferEngine)(nil)

func newBufferEngine(ep verbs.Endpoint, cfg engineConfig) (*bufferEngine, error) {
	if ep == nil {
		return nil, verbs.ErrInvalidHandle{Resource: "endpoint"}
	}
	if cfg.poolSize <= 0 || cfg.bufferSize <= 0 {
		return nil, fmt.Errorf("meshfabric engine: invalid pool %d x %d", cfg.poolSize, cfg.bufferSize)
	}
	if cfg.onStall == nil {
		cfg.onStall = func() {}
	}
	pool, err := verbs.NewMRPool(ep, cfg.bufferSize, verbs.MRAccessLocal, cfg.poolSize)
	if err != nil {
		return nil, fmt.Errorf("register send pool: %w", err)
	}
	e := &bufferEngine{
		ep:       ep,
		cfg:      cfg,
		sendPool: pool,
		inflight: make([]int, cfg.poolSize),
		interval: effectiveSignalInterval(cfg.signalInterval, cfg.poolSize),
	}
	e.recvRegions = make([]*verbs.MemoryRegion, 0, cfg.poolSize)
	for i := 0; i < cfg.poolSize; i++ {
		mr, err := ep.RegisterMemory(make([]byte, cfg.bufferSize), verbs.MRAccessLocal)
		if err != nil {
			e.release()
			return nil, fmt.Errorf("register receive region %d: %w", i, err)
		}
		e.recvRegions = append(e.recvRegions, mr)
		if err := e.postRecv(i); err != nil {
			e.release()
			return nil, fmt.Errorf("post receive %d: %w", i, err)
		}
	}
	return e, nil
}

func (e *bufferEngine) remoteAddr() string { return e.ep.RemoteAddr() }

// Outstanding reports posted sends whose slots are not yet released.
func (e *bufferEngine) Outstanding() int { return int(e.outstanding.Load()) }

// Available reports free send slots.
func (e *bufferEngine) Available() int { return e.sendPool.Available() }

func (e *bufferEngine) pending() int { return e.Outstanding() }

func (e *bufferEngine) creditStalls() uint64 { return e.stalls.Load() }

func (e *bufferEngine) postRecv(slot int) error {
	return e.ep.PostRecv(&verbs.RecvRequest{
		WRID:   encodeWRID(wrRecv, 0, slot),
		Region: e.recvRegions[slot],
	})
}

func (e *bufferEngine) writeObject(ctx context.Context, obj any, flush bool) error {
	return e.send(ctx, obj, flush)
}

func (e *bufferEngine) send(ctx context.Context, obj any, flush bool) error {
	if err := e.pollSends(); err != nil {
		return err
	}
	slot, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	n, err := codec.Encode(e.cfg.codec, slot.Bytes(), obj)
	if err != nil {
		e.sendPool.Release(slot)
		if flush {
			// earlier unsignaled sends still need a covering completion
			if ferr := e.signalPending(); ferr != nil {
				return ferr
			}
		}
		return err
	}
	e.unsignaled++
	signaled := e.unsignaled >= e.interval || e.sendPool.Available() == 0 || flush
	req := verbs.SendRequest{
		WRID:     encodeWRID(wrData, e.unsignaled, slot.ID),
		Region:   slot.MemoryRegion,
		Length:   n,
		Imm:      encodeImm(immData, 0),
		HasImm:   true,
		Signaled: signaled,
	}
	e.pushInflight(slot.ID)
	if err := e.ep.PostSend(&req); err != nil {
		e.popInflightBack()
		e.sendPool.Release(slot)
		e.unsignaled--
		return fmt.Errorf("post send: %w", err)
	}
	if signaled {
		e.unsignaled = 0
	}
	return nil
}

// signalPending posts a 0-length signaled control send so that the
// unsignaled tail of the FIFO is released by its completion.
func (e *bufferEngine) signalPending() error {
	if e.unsignaled == 0 {
		return nil
	}
	if err := e.ep.PostSend(&verbs.SendRequest{
		WRID:     encodeWRID(wrControl, e.unsignaled, 0),
		Imm:      encodeImm(immNop, 0),
		HasImm:   true,
		Signaled: true,
	}); err != nil {
		return fmt.Errorf("post send: %w", err)
	}
	e.unsignaled = 0
	return nil
}

func (e *bufferEngine) acquire(ctx context.Context) (*verbs.PooledRegion, error) {
	stalled := false
	for {
		slot, err := e.sendPool.TryAcquire()
		if err == nil {
			return slot, nil
		}
		if !errors.Is(err, verbs.ErrPoolExhausted) {
			return nil, err
		}
		if !stalled {
			stalled = true
			e.stalls.Add(1)
			e.cfg.onStall()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.ep.SendCQ().Wait(e.cfg.pollInterval); err != nil && !errors.Is(err, verbs.ErrTimeout) {
			return nil, err
		}
		if err := e.pollSends(); err != nil {
			return nil, err
		}
	}
}

// pollSends consumes every available send completion without blocking.
func (e *bufferEngine) pollSends() error {
	e.sendErr = nil
	if _, err := verbs.Drain(e.ep.SendCQ(), e.handleSendCompletion); err != nil {
		return err
	}
	return e.sendErr
}

func (e *bufferEngine) handleSendCompletion(wc verbs.WorkCompletion) {
	kind, count, slot := decodeWRID(wc.WRID)
	switch kind {
	case wrData:
		e.releaseThrough(slot)
	case wrControl:
		// count is the unsignaled run posted before the control send
		e.releaseOldest(count)
		e.controlAcked++
	}
	if wc.Status != verbs.StatusSuccess && e.sendErr == nil {
		e.sendErr = &CompletionError{Op: verbs.OpSend, Status: wc.Status, WRID: wc.WRID, Slot: slot}
	}
}

// releaseThrough frees in-flight slots in FIFO order up to and including
// slot.
func (e *bufferEngine) releaseThrough(slot int) {
	for e.inflightLen > 0 {
		if e.popInflightFront() == slot {
			return
		}
	}
}

// releaseOldest frees the n oldest in-flight slots.
func (e *bufferEngine) releaseOldest(n int) {
	for ; n > 0 && e.inflightLen > 0; n-- {
		e.popInflightFront()
	}
}

func (e *bufferEngine) popInflightFront() int {
	id := e.inflight[e.inflightHead]
	e.inflightHead = (e.inflightHead + 1) % len(e.inflight)
	e.inflightLen--
	e.sendPool.Release(e.sendPool.Slot(id))
	e.outstanding.Add(-1)
	return id
}

func (e *bufferEngine) pushInflight(slot int) {
	e.inflight[(e.inflightHead+e.inflightLen)%len(e.inflight)] = slot
	e.inflightLen++
	e.outstanding.Add(1)
}

func (e *bufferEngine) popInflightBack() {
	e.inflightLen--
	e.outstanding.Add(-1)
}

func (e *bufferEngine) reap(timeout time.Duration) error {
	if e.outstanding.Load() == 0 {
		return nil
	}
	if err := e.ep.SendCQ().Wait(timeout); err != nil && !errors.Is(err, verbs.ErrTimeout) {
		return err
	}
	return e.pollSends()
}

func (e *bufferEngine) readObject(ctx context.Context) (any, error) {
	return e.receive(ctx)
}

func (e *bufferEngine) receive(ctx context.Context) (any, error) {
	for {
		wc, err := verbs.AwaitCompletion(ctx, e.ep.RecvCQ(), e.cfg.pollInterval)
		if err != nil {
			return nil, err
		}
		kind, value, obj, err := e.handleRecv(wc)
		if err != nil {
			return nil, err
		}
		switch kind {
		case immData:
			return obj, nil
		case immNop:
			continue
		default:
			return nil, fmt.Errorf("%w: %s %d in data stream", ErrUnexpectedControl, kind, value)
		}
	}
}

// handleRecv decodes one receive completion and re-posts its slot.
func (e *bufferEngine) handleRecv(wc verbs.WorkCompletion) (immKind, uint32, any, error) {
	_, _, slot := decodeWRID(wc.WRID)
	if wc.Status != verbs.StatusSuccess {
		return 0, 0, nil, &CompletionError{Op: verbs.OpRecv, Status: wc.Status, WRID: wc.WRID, Slot: slot}
	}
	if slot < 0 || slot >= len(e.recvRegions) {
		return 0, 0, nil, fmt.Errorf("meshfabric engine: receive completion for unknown slot %d", slot)
	}
	if !wc.HasImm {
		e.repost(slot)
		return 0, 0, nil, fmt.Errorf("%w: receive without immediate data", ErrUnexpectedControl)
	}
	kind, value := decodeImm(wc.Imm)
	var (
		obj any
		err error
	)
	if kind == immData {
		obj, err = e.cfg.codec.Decode(e.recvRegions[slot].Bytes()[:wc.ByteLen])
	}
	if rerr := e.repost(slot); rerr != nil && err == nil {
		err = rerr
	}
	return kind, value, obj, err
}

func (e *bufferEngine) repost(slot int) error {
	if e.stopped.Load() {
		return nil
	}
	if err := e.postRecv(slot); err != nil {
		return fmt.Errorf("repost receive %d: %w", slot, err)
	}
	return nil
}

func (e *bufferEngine) sendToken(ctx context.Context, token uint32) error {
	return e.sendControl(ctx, immToken, token)
}

func (e *bufferEngine) recvToken(ctx context.Context) (uint32, error) {
	return e.recvControl(ctx, immToken)
}

// sendControl posts a 0-length signaled send carrying kind and value in the
// immediate data and waits for its completion.
func (e *bufferEngine) sendControl(ctx context.Context, kind immKind, value uint32) error {
	if value > maxImmValue {
		return fmt.Errorf("meshfabric engine: control value %d exceeds %d", value, maxImmValue)
	}
	target := e.controlAcked + 1
	if err := e.ep.PostSend(&verbs.SendRequest{
		WRID:     encodeWRID(wrControl, e.unsignaled, 0),
		Imm:      encodeImm(kind, value),
		HasImm:   true,
		Signaled: true,
	}); err != nil {
		return fmt.Errorf("post %s: %w", kind, err)
	}
	e.unsignaled = 0
	for e.controlAcked < target {
		wc, err := verbs.AwaitCompletion(ctx, e.ep.SendCQ(), e.cfg.pollInterval)
		if err != nil {
			return fmt.Errorf("await %s completion: %w", kind, err)
		}
		e.sendErr = nil
		e.handleSendCompletion(wc)
		if e.sendErr != nil {
			return e.sendErr
		}
	}
	return nil
}

// recvControl waits for the next receive and checks it carries kind.
func (e *bufferEngine) recvControl(ctx context.Context, kind immKind) (uint32, error) {
	for {
		wc, err := verbs.AwaitCompletion(ctx, e.ep.RecvCQ(), e.cfg.pollInterval)
		if err != nil {
			return 0, fmt.Errorf("await %s: %w", kind, err)
		}
		got, value, _, err := e.handleRecv(wc)
		if err != nil {
			return 0, err
		}
		if got == immNop {
			continue
		}
		if got != kind {
			return 0, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedControl, got, kind)
		}
		return value, nil
	}
}

func (e *bufferEngine) stopReceives() { e.stopped.Store(true) }

func (e *bufferEngine) interrupt() {}

// close flushes the endpoint, waits for every in-flight slot to come back and
// then deregisters all regions.
func (e *bufferEngine) close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.stopped.Store(true)
	err := e.ep.Close()

	deadline := time.Now().Add(e.cfg.pollInterval)
	for {
		_ = e.pollSends()
		if e.outstanding.Load() == 0 {
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			err = errors.Join(err, fmt.Errorf("meshfabric engine: %d sends still in flight at close", e.outstanding.Load()))
			break
		}
		_ = e.ep.SendCQ().Wait(remaining)
	}
	_, _ = verbs.Drain(e.ep.RecvCQ(), func(verbs.WorkCompletion) {})
	e.release()
	return err
}

func (e *bufferEngine) release() {
	e.sendPool.Close()
	for _, mr := range e.recvRegions {
		_ = mr.Close()
	}
}
