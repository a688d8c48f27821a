package fabric

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rocketbitz/meshfabric/codec"
	"github.com/rocketbitz/meshfabric/internal/softqp"
	"github.com/rocketbitz/meshfabric/verbs"
	"github.com/rocketbitz/meshfabric/verbs/loopback"
)

type postedSend struct {
	req     verbs.SendRequest
	payload []byte
	done    bool
}

// fakeEndpoint records posted work requests and completes them only when the
// test says so.
type fakeEndpoint struct {
	verbs.Registry

	mu     sync.Mutex
	sends  []*postedSend
	recvs  []verbs.RecvRequest
	sendCQ *verbs.RingCQ
	recvCQ *verbs.RingCQ
	closed bool
	// autoAck completes signaled sends as soon as they are posted.
	autoAck bool
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{sendCQ: verbs.NewRingCQ(8), recvCQ: verbs.NewRingCQ(8)}
}

func (f *fakeEndpoint) PostSend(req *verbs.SendRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return verbs.ErrQPState
	}
	ps := &postedSend{req: *req}
	if req.Region != nil {
		ps.payload = append([]byte(nil), req.Region.Bytes()[:req.Length]...)
	}
	f.sends = append(f.sends, ps)
	if f.autoAck && req.Signaled {
		ps.done = true
		f.sendCQ.Push(verbs.WorkCompletion{WRID: req.WRID, Opcode: verbs.OpSend})
	}
	return nil
}

func (f *fakeEndpoint) PostRecv(req *verbs.RecvRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return verbs.ErrQPState
	}
	f.recvs = append(f.recvs, *req)
	return nil
}

func (f *fakeEndpoint) SendCQ() verbs.CompletionQueue { return f.sendCQ }
func (f *fakeEndpoint) RecvCQ() verbs.CompletionQueue { return f.recvCQ }
func (f *fakeEndpoint) LocalAddr() string             { return "fake-local" }
func (f *fakeEndpoint) RemoteAddr() string            { return "fake-remote" }

func (f *fakeEndpoint) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for _, ps := range f.sends {
		if !ps.done {
			ps.done = true
			f.sendCQ.Push(verbs.WorkCompletion{WRID: ps.req.WRID, Status: verbs.StatusFlushed, Opcode: verbs.OpSend})
		}
	}
	for _, r := range f.recvs {
		f.recvCQ.Push(verbs.WorkCompletion{WRID: r.WRID, Status: verbs.StatusFlushed, Opcode: verbs.OpRecv})
	}
	f.recvs = nil
	return nil
}

// completeSend reports the i-th posted send as successful.
func (f *fakeEndpoint) completeSend(i int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ps := f.sends[i]
	ps.done = true
	f.sendCQ.Push(verbs.WorkCompletion{WRID: ps.req.WRID, Opcode: verbs.OpSend})
}

// deliver places payload into the oldest posted receive.
func (f *fakeEndpoint) deliver(payload []byte, imm uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.recvs[0]
	f.recvs = f.recvs[1:]
	n := copy(r.Region.Bytes(), payload)
	f.recvCQ.Push(verbs.WorkCompletion{WRID: r.WRID, Opcode: verbs.OpRecv, ByteLen: n, Imm: imm, HasImm: true})
}

func (f *fakeEndpoint) posted() []*postedSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*postedSend(nil), f.sends...)
}

func (f *fakeEndpoint) postedRecvs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recvs)
}

func newTestEngine(t *testing.T, ep verbs.Endpoint, pool, signal int, onStall func()) *bufferEngine {
	t.Helper()
	eng, err := newBufferEngine(ep, engineConfig{
		poolSize:       pool,
		bufferSize:     256,
		signalInterval: signal,
		pollInterval:   5 * time.Millisecond,
		codec:          codec.Gob{},
		onStall:        onStall,
	})
	if err != nil {
		t.Fatalf("newBufferEngine: %v", err)
	}
	return eng
}

func TestEngineBlocksWhenPoolExhausted(t *testing.T) {
	ep := newFakeEndpoint()
	var stalls int
	eng := newTestEngine(t, ep, 2, 32, func() { stalls++ })
	defer eng.close()
	ctx := context.Background()

	for _, v := range []string{"first", "second"} {
		if err := eng.send(ctx, v, false); err != nil {
			t.Fatalf("send %q: %v", v, err)
		}
	}
	if eng.Outstanding() != 2 || eng.Available() != 0 {
		t.Fatalf("unexpected pool state: outstanding=%d available=%d", eng.Outstanding(), eng.Available())
	}

	done := make(chan error, 1)
	go func() { done <- eng.send(ctx, "third", false) }()
	select {
	case err := <-done:
		t.Fatalf("third send returned before any completion: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if n := len(ep.posted()); n != 2 {
		t.Fatalf("over-posted while pool exhausted: %d sends", n)
	}

	ep.completeSend(0)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("third send: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("third send still blocked after a completion")
	}

	sends := ep.posted()
	if len(sends) != 3 {
		t.Fatalf("expected 3 posted sends, got %d", len(sends))
	}
	_, _, slot0 := decodeWRID(sends[0].req.WRID)
	_, _, slot1 := decodeWRID(sends[1].req.WRID)
	_, _, slot2 := decodeWRID(sends[2].req.WRID)
	if slot2 != slot0 {
		t.Fatalf("third send used slot %d, want recycled slot %d", slot2, slot0)
	}
	inFlight := eng.sendPool.Slot(slot1).Bytes()[:sends[1].req.Length]
	if got, err := (codec.Gob{}).Decode(inFlight); err != nil || got != "second" {
		t.Fatalf("in-flight slot %d corrupted: %v %v", slot1, got, err)
	}
	if stalls != 1 {
		t.Fatalf("expected 1 credit stall, got %d", stalls)
	}
	if eng.creditStalls() != 1 {
		t.Fatalf("expected stall counter 1, got %d", eng.creditStalls())
	}
	if eng.Outstanding() > 2 {
		t.Fatalf("outstanding %d exceeds pool", eng.Outstanding())
	}
}

func TestEngineBatchedSignaling(t *testing.T) {
	ep := newFakeEndpoint()
	eng := newTestEngine(t, ep, 8, 4, nil)
	defer eng.close()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := eng.send(ctx, i, false); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	sends := ep.posted()
	for i, ps := range sends[:3] {
		if ps.req.Signaled {
			t.Fatalf("send %d signaled before the interval", i)
		}
	}
	if !sends[3].req.Signaled {
		t.Fatal("fourth send should be signaled")
	}
	if kind, count, _ := decodeWRID(sends[3].req.WRID); kind != wrData || count != 4 {
		t.Fatalf("unexpected wr id: kind=%d count=%d", kind, count)
	}

	ep.completeSend(3)
	if err := eng.reap(50 * time.Millisecond); err != nil {
		t.Fatalf("reap: %v", err)
	}
	if eng.Outstanding() != 0 || eng.Available() != 8 {
		t.Fatalf("signaled completion did not release the batch: outstanding=%d available=%d", eng.Outstanding(), eng.Available())
	}

	if err := eng.send(ctx, "tail", true); err != nil {
		t.Fatalf("flush send: %v", err)
	}
	if last := ep.posted()[4]; !last.req.Signaled {
		t.Fatal("flushed send should be signaled")
	}
}

func TestEngineEncodeFailureCoversUnsignaledTail(t *testing.T) {
	ep := newFakeEndpoint()
	eng := newTestEngine(t, ep, 8, 4, nil)
	defer eng.close()
	ctx := context.Background()

	if err := eng.send(ctx, "queued", false); err != nil {
		t.Fatalf("send: %v", err)
	}
	err := eng.send(ctx, make(chan int), true)
	if !errors.Is(err, codec.ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
	sends := ep.posted()
	if len(sends) != 2 {
		t.Fatalf("expected data send plus covering nop, got %d sends", len(sends))
	}
	nop := sends[1].req
	if kind, _, _ := decodeWRID(nop.WRID); kind != wrControl || !nop.Signaled {
		t.Fatalf("covering send is not a signaled control: %+v", nop)
	}
	if k, _ := decodeImm(nop.Imm); k != immNop {
		t.Fatalf("covering send carries %s", k)
	}
	ep.completeSend(1)
	if err := eng.reap(50 * time.Millisecond); err != nil {
		t.Fatalf("reap: %v", err)
	}
	if eng.Outstanding() != 0 {
		t.Fatalf("outstanding %d after covering completion", eng.Outstanding())
	}
}

func TestEngineCoveringNopKeepsLaterSendsInFlight(t *testing.T) {
	ep := newFakeEndpoint()
	eng := newTestEngine(t, ep, 8, 4, nil)
	defer eng.close()
	ctx := context.Background()

	if err := eng.send(ctx, "a", false); err != nil {
		t.Fatalf("send a: %v", err)
	}
	if err := eng.send(ctx, make(chan int), true); !errors.Is(err, codec.ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
	if err := eng.send(ctx, "c", false); err != nil {
		t.Fatalf("send c: %v", err)
	}
	sends := ep.posted()
	if len(sends) != 3 || sends[2].req.Signaled {
		t.Fatalf("expected data, nop, unsignaled data; got %d sends", len(sends))
	}
	_, _, pendingSlot := decodeWRID(sends[2].req.WRID)

	ep.completeSend(1)
	if err := eng.reap(50 * time.Millisecond); err != nil {
		t.Fatalf("reap: %v", err)
	}
	if eng.Outstanding() != 1 || eng.Available() != 7 {
		t.Fatalf("nop completion released a later send: outstanding=%d available=%d", eng.Outstanding(), eng.Available())
	}

	for i := 0; i < 6; i++ {
		if err := eng.send(ctx, i, false); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for _, ps := range ep.posted()[3:] {
		if _, _, slot := decodeWRID(ps.req.WRID); slot == pendingSlot {
			t.Fatalf("slot %d reused while still in flight", slot)
		}
	}

	if err := eng.send(ctx, "flush", true); err != nil {
		t.Fatalf("flush send: %v", err)
	}
	posted := ep.posted()
	for i, ps := range posted {
		if ps.req.Signaled && !ps.done {
			ep.completeSend(i)
		}
	}
	if err := eng.reap(50 * time.Millisecond); err != nil {
		t.Fatalf("reap: %v", err)
	}
	if eng.Outstanding() != 0 || eng.Available() != 8 {
		t.Fatalf("outstanding=%d available=%d after final completion", eng.Outstanding(), eng.Available())
	}
}

func TestEngineRejectsOversizedObject(t *testing.T) {
	ep := newFakeEndpoint()
	eng := newTestEngine(t, ep, 2, 1, nil)
	defer eng.close()

	err := eng.send(context.Background(), strings.Repeat("x", 1024), false)
	if !errors.Is(err, codec.ErrSizeExceeded) {
		t.Fatalf("expected ErrSizeExceeded, got %v", err)
	}
	if eng.Available() != 2 || len(ep.posted()) != 0 {
		t.Fatalf("oversized send leaked a slot or posted: available=%d", eng.Available())
	}
}

func TestEngineReceiveReposts(t *testing.T) {
	ep := newFakeEndpoint()
	eng := newTestEngine(t, ep, 2, 1, nil)
	defer eng.close()

	if ep.postedRecvs() != 2 {
		t.Fatalf("expected 2 posted receives, got %d", ep.postedRecvs())
	}
	payload, err := (codec.Gob{}).Append(nil, []int{3, 1, 4})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ep.deliver(nil, encodeImm(immNop, 0))
	ep.deliver(payload, encodeImm(immData, 0))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := eng.receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if s, ok := got.([]int); !ok || len(s) != 3 || s[2] != 4 {
		t.Fatalf("unexpected object %#v", got)
	}
	if ep.postedRecvs() != 2 {
		t.Fatalf("receive slots not re-posted: %d", ep.postedRecvs())
	}

	ep.deliver(nil, encodeImm(immHello, 3))
	if _, err := eng.receive(ctx); !errors.Is(err, ErrUnexpectedControl) {
		t.Fatalf("expected ErrUnexpectedControl, got %v", err)
	}

	eng.stopReceives()
	ep.deliver(payload, encodeImm(immData, 0))
	if _, err := eng.receive(ctx); err != nil {
		t.Fatalf("receive after stop: %v", err)
	}
	if ep.postedRecvs() != 1 {
		t.Fatalf("stopped engine re-posted a receive: %d posted", ep.postedRecvs())
	}
}

func TestEngineReceiveObservesCancellation(t *testing.T) {
	ep := newFakeEndpoint()
	eng := newTestEngine(t, ep, 2, 1, nil)
	defer eng.close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := eng.receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestEngineCloseReleasesRegions(t *testing.T) {
	ep := newFakeEndpoint()
	eng := newTestEngine(t, ep, 4, 32, nil)
	if ep.Len() != 8 {
		t.Fatalf("expected 8 registrations, got %d", ep.Len())
	}
	for i := 0; i < 3; i++ {
		if err := eng.send(context.Background(), i, false); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if err := eng.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if eng.Outstanding() != 0 {
		t.Fatalf("in-flight sends survived close: %d", eng.Outstanding())
	}
	if ep.Len() != 0 {
		t.Fatalf("leaked %d registrations", ep.Len())
	}
	if err := eng.close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestEngineControlOverLoopback(t *testing.T) {
	network := loopback.New(softqp.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, err := network.Listen(ctx, "node-0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan verbs.Endpoint, 1)
	go func() {
		ep, err := ln.Accept(ctx)
		if err != nil {
			t.Errorf("Accept: %v", err)
			close(accepted)
			return
		}
		accepted <- ep
	}()
	clientEP, err := network.Dial(ctx, "node-0")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	serverEP, ok := <-accepted
	if !ok {
		t.FailNow()
	}

	client := newTestEngine(t, clientEP, 2, 1, nil)
	server := newTestEngine(t, serverEP, 2, 1, nil)

	errc := make(chan error, 1)
	go func() { errc <- client.sendControl(ctx, immHello, 5) }()
	id, err := server.recvControl(ctx, immHello)
	if err != nil {
		t.Fatalf("recvControl: %v", err)
	}
	if id != 5 {
		t.Fatalf("hello carried %d, want 5", id)
	}
	if err := <-errc; err != nil {
		t.Fatalf("sendControl: %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := client.send(ctx, i, i == 9); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		got, err := server.receive(ctx)
		if err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		if got != i {
			t.Fatalf("receive %d: got %v", i, got)
		}
	}

	type registrations interface{ Registrations() int }
	if err := client.close(); err != nil {
		t.Fatalf("client close: %v", err)
	}
	if err := server.close(); err != nil {
		t.Fatalf("server close: %v", err)
	}
	for _, ep := range []verbs.Endpoint{clientEP, serverEP} {
		if r, ok := ep.(registrations); ok && r.Registrations() != 0 {
			t.Fatalf("endpoint %s leaked %d registrations", ep.LocalAddr(), r.Registrations())
		}
	}
}
