package fabric

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type channelState int32

const (
	stateConnected channelState = iota
	stateReady
	stateRunning
	stateFailed
	stateClosed
)

func (s channelState) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateReady:
		return "ready"
	case stateRunning:
		return "running"
	case stateFailed:
		return "failed"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Message is one object received from a peer.
type Message struct {
	Peer  int
	Value any
}

// Stats contains per-peer counters.
type Stats struct {
	SendQueued     uint64
	SendCompleted  uint64
	SendErrored    uint64
	SendDropped    uint64
	ReceiveMatched uint64
	CreditStalls   uint64
	LinkErrors     uint64
	Outstanding    int
	QueueDepth     int
	State          string
}

type channelStats struct {
	sendQueued    atomic.Uint64
	sendCompleted atomic.Uint64
	sendErrored   atomic.Uint64
	sendDropped   atomic.Uint64
	recvMatched   atomic.Uint64
	linkErrors    atomic.Uint64
}

// peerChannel bridges one link to the application through an outbound
// queue owned by the channel and the inbound queue shared by all channels.
type peerChannel struct {
	peer     int
	link     link
	tel      *telemetry
	outbound *queue[any]
	inbound  *queue[Message]
	// reapInterval bounds how long an idle Writer waits for acknowledgements.
	reapInterval time.Duration

	state  atomic.Int32
	closed atomic.Bool
	stats  channelStats

	writerCtx    context.Context
	cancelWriter context.CancelFunc
	readerCtx    context.Context
	cancelReader context.CancelFunc
	wg           sync.WaitGroup
	span         Span
}

func newPeerChannel(peer int, l link, inbound *queue[Message], cfg Config, tel *telemetry) *peerChannel {
	c := &peerChannel{
		peer:     peer,
		link:     l,
		tel:      tel,
		outbound: newQueue[any](cfg.QueueCapacity, max(16, cfg.PoolSize*2)),
		inbound:  inbound,

		reapInterval: cfg.PollInterval,
	}
	c.writerCtx, c.cancelWriter = context.WithCancel(context.Background())
	c.readerCtx, c.cancelReader = context.WithCancel(context.Background())
	c.state.Store(int32(stateConnected))
	return c
}

func (c *peerChannel) currentState() channelState {
	return channelState(c.state.Load())
}

func (c *peerChannel) markReady() {
	c.state.CompareAndSwap(int32(stateConnected), int32(stateReady))
}

// start launches the Writer and Reader. The barrier must have passed.
func (c *peerChannel) start() {
	if !c.state.CompareAndSwap(int32(stateReady), int32(stateRunning)) {
		return
	}
	c.span = c.tel.startSpan("meshfabric-channel", logKV(labelPeer, c.peer))
	c.wg.Add(2)
	go c.writeLoop()
	go c.readLoop()
	c.tel.logDebug("channel started", logKV(labelPeer, c.peer), logKV("remote", c.link.remoteAddr()))
	c.tel.channelStarted(logKV(labelPeer, c.peer))
}

func (c *peerChannel) writeLoop() {
	defer c.wg.Done()
	ctx := c.writerCtx
	for {
		obj, ok := c.outbound.TryPop()
		if !ok {
			if c.link.pending() > 0 {
				if err := c.link.reap(c.reapInterval); err != nil {
					c.fail("reap", err)
					return
				}
				if ctx.Err() != nil {
					return
				}
				continue
			}
			var err error
			obj, err = c.outbound.Pop(ctx)
			if err != nil {
				c.tel.logDebug("writer stopped", logKV(labelPeer, c.peer), logKV("reason", err))
				return
			}
		}
		flush := c.outbound.Len() == 0
		if err := c.link.writeObject(ctx, obj, flush); err != nil {
			if isObjectErr(err) {
				c.stats.sendErrored.Add(1)
				c.tel.logError("send rejected", logKV(labelPeer, c.peer), logKV("error", err))
				c.tel.sendFailed(err, logKV(labelPeer, c.peer))
				continue
			}
			c.stats.sendErrored.Add(1)
			c.fail("write", err)
			return
		}
		c.stats.sendCompleted.Add(1)
		c.tel.sendCompleted(logKV(labelPeer, c.peer))
	}
}

func (c *peerChannel) readLoop() {
	defer c.wg.Done()
	ctx := c.readerCtx
	for {
		obj, err := c.link.readObject(ctx)
		if err != nil {
			if ctx.Err() == nil && !isClosedErr(err) {
				c.tel.receiveFailed(err, logKV(labelPeer, c.peer))
			}
			c.fail("read", err)
			return
		}
		c.stats.recvMatched.Add(1)
		c.tel.receiveCompleted(logKV(labelPeer, c.peer))
		if err := c.inbound.Push(ctx, Message{Peer: c.peer, Value: obj}); err != nil {
			c.tel.logDebug("reader stopped", logKV(labelPeer, c.peer), logKV("reason", err))
			return
		}
	}
}

// fail ends the channel's workers. Errors from an orderly close are logged at
// debug level only.
func (c *peerChannel) fail(op string, err error) {
	shuttingDown := c.closed.Load()
	if isClosedErr(err) || (shuttingDown && isDeadlineErr(err)) {
		c.tel.logDebug(op+" stopped", logKV(labelPeer, c.peer), logKV("reason", err))
	} else {
		c.stats.linkErrors.Add(1)
		c.tel.logError("link error", logKV(labelPeer, c.peer), logKV("phase", op), logKV("error", err))
		c.tel.linkError(op, err, logKV(labelPeer, c.peer))
		spanRecordError(c.span, err)
	}
	if !shuttingDown {
		c.state.CompareAndSwap(int32(stateRunning), int32(stateFailed))
	}
	c.cancelWriter()
	c.cancelReader()
	c.link.interrupt()
}

// enqueue queues obj for the Writer. Traffic to a failed peer is dropped.
func (c *peerChannel) enqueue(ctx context.Context, obj any) error {
	if c.currentState() == stateFailed {
		c.stats.sendDropped.Add(1)
		return nil
	}
	if err := c.outbound.Push(ctx, obj); err != nil {
		return err
	}
	c.stats.sendQueued.Add(1)
	return nil
}

// idle reports whether everything queued so far has been written and
// acknowledged, or can no longer be.
func (c *peerChannel) idle() bool {
	if c.currentState() != stateRunning {
		return true
	}
	queued := c.stats.sendQueued.Load()
	done := c.stats.sendCompleted.Load() + c.stats.sendErrored.Load()
	return c.outbound.Len() == 0 && done >= queued && c.link.pending() == 0
}

// close stops the channel in order: receives, Writer, Reader, then the link.
func (c *peerChannel) close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.link.stopReceives()
	c.cancelWriter()
	c.outbound.Close(true)
	c.cancelReader()
	c.link.interrupt()
	c.wg.Wait()
	err := c.link.close()
	running := c.currentState() == stateRunning || c.currentState() == stateFailed
	c.state.Store(int32(stateClosed))
	if running {
		c.tel.channelStopped(logKV(labelPeer, c.peer))
	}
	c.tel.logDebug("channel closed", logKV(labelPeer, c.peer))
	spanEnd(c.span, err)
	return err
}

func (c *peerChannel) snapshot() Stats {
	return Stats{
		SendQueued:     c.stats.sendQueued.Load(),
		SendCompleted:  c.stats.sendCompleted.Load(),
		SendErrored:    c.stats.sendErrored.Load(),
		SendDropped:    c.stats.sendDropped.Load(),
		ReceiveMatched: c.stats.recvMatched.Load(),
		CreditStalls:   c.link.creditStalls(),
		LinkErrors:     c.stats.linkErrors.Load(),
		Outstanding:    c.link.pending(),
		QueueDepth:     c.outbound.Len(),
		State:          c.currentState().String(),
	}
}
