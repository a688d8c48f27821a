package fabric

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueueFIFOAcrossGrowth(t *testing.T) {
	q := newQueue[int](0, 2)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := q.Push(ctx, i); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if v, ok := q.TryPop(); !ok || v != 0 {
		t.Fatalf("TryPop: got %d %v", v, ok)
	}
	for i := 3; i < 40; i++ {
		if err := q.Push(ctx, i); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	for want := 1; want < 40; want++ {
		v, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if v != want {
			t.Fatalf("out of order: got %d want %d", v, want)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Fatal("TryPop on empty queue succeeded")
	}
}

func TestQueueBoundedPushBlocks(t *testing.T) {
	q := newQueue[string](1, 0)
	ctx := context.Background()
	if err := q.Push(ctx, "a"); err != nil {
		t.Fatalf("Push: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := q.Push(short, "b"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline on full queue, got %v", err)
	}

	pushed := make(chan error, 1)
	go func() { pushed <- q.Push(ctx, "c") }()
	if v, err := q.Pop(ctx); err != nil || v != "a" {
		t.Fatalf("Pop: %q %v", v, err)
	}
	if err := <-pushed; err != nil {
		t.Fatalf("blocked Push: %v", err)
	}
	if v, err := q.Pop(ctx); err != nil || v != "c" {
		t.Fatalf("Pop: %q %v", v, err)
	}
}

func TestQueueCloseWakesWaiters(t *testing.T) {
	q := newQueue[int](0, 4)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Pop(ctx)
			errs <- err
		}()
	}
	time.Sleep(10 * time.Millisecond)
	q.Close(false)
	wg.Wait()
	close(errs)
	for err := range errs {
		if !errors.Is(err, errQueueClosed) {
			t.Fatalf("expected errQueueClosed, got %v", err)
		}
	}
	if err := q.Push(ctx, 1); !errors.Is(err, errQueueClosed) {
		t.Fatalf("Push after close: %v", err)
	}
}

func TestQueueCloseKeepsOrDiscards(t *testing.T) {
	ctx := context.Background()

	kept := newQueue[int](0, 4)
	_ = kept.Push(ctx, 7)
	kept.Close(false)
	if v, err := kept.Pop(ctx); err != nil || v != 7 {
		t.Fatalf("queued item lost on close: %d %v", v, err)
	}
	if _, err := kept.Pop(ctx); !errors.Is(err, errQueueClosed) {
		t.Fatalf("expected errQueueClosed, got %v", err)
	}

	dropped := newQueue[int](0, 4)
	_ = dropped.Push(ctx, 7)
	dropped.Close(true)
	if dropped.Len() != 0 {
		t.Fatalf("discarding close left %d items", dropped.Len())
	}
}
