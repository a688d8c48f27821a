package fabric

import (
	"context"
	"errors"
	"sync"
)

var errQueueClosed = errors.New("meshfabric: queue closed")

// queue is a FIFO ring that grows by doubling. A positive capacity bounds
// it and makes Push block while full. Any number of producers and consumers
// may use it concurrently.
type queue[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int
	n        int
	capacity int
	closed   bool

	notEmpty chan struct{}
	notFull  chan struct{}
	done     chan struct{}
}

func newQueue[T any](capacity, hint int) *queue[T] {
	if capacity > 0 {
		hint = capacity
	}
	if hint < 1 {
		hint = 16
	}
	return &queue[T]{
		buf:      make([]T, hint),
		capacity: capacity,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push appends v, waiting for room when the queue is bounded and full.
func (q *queue[T]) Push(ctx context.Context, v T) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return errQueueClosed
		}
		if q.capacity == 0 || q.n < q.capacity {
			if q.n == len(q.buf) {
				q.grow()
			}
			q.buf[(q.head+q.n)%len(q.buf)] = v
			q.n++
			q.mu.Unlock()
			signal(q.notEmpty)
			return nil
		}
		q.mu.Unlock()
		select {
		case <-q.notFull:
		case <-q.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryPop removes the head without blocking.
func (q *queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	v, ok := q.popLocked()
	remaining := q.n
	q.mu.Unlock()
	if ok {
		q.afterPop(remaining)
	}
	return v, ok
}

// Pop removes the head, waiting while the queue is empty. Items queued
// before Close are still returned; after that Pop reports errQueueClosed.
func (q *queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		v, ok := q.popLocked()
		remaining := q.n
		closed := q.closed
		q.mu.Unlock()
		if ok {
			q.afterPop(remaining)
			return v, nil
		}
		if closed {
			return v, errQueueClosed
		}
		select {
		case <-q.notEmpty:
		case <-q.done:
		case <-ctx.Done():
			return v, ctx.Err()
		}
	}
}

// Len returns the number of queued items.
func (q *queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Close wakes every waiter. With discard set the queued items are dropped.
func (q *queue[T]) Close(discard bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if discard {
		var zero T
		for i := range q.buf {
			q.buf[i] = zero
		}
		q.head, q.n = 0, 0
	}
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *queue[T]) popLocked() (T, bool) {
	var zero T
	if q.n == 0 {
		return zero, false
	}
	v := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return v, true
}

func (q *queue[T]) afterPop(remaining int) {
	if q.capacity > 0 {
		signal(q.notFull)
	}
	if remaining > 0 {
		signal(q.notEmpty)
	}
}

func (q *queue[T]) grow() {
	next := make([]T, len(q.buf)*2)
	for i := 0; i < q.n; i++ {
		next[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = next
	q.head = 0
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
