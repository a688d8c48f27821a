package verbs

import (
	"fmt"
	"sync"
	"time"
)

// Opcode identifies the operation a completion belongs to.
type Opcode uint8

const (
	OpSend Opcode = iota + 1
	OpRecv
)

func (o Opcode) String() string {
	switch o {
	case OpSend:
		return "send"
	case OpRecv:
		return "recv"
	default:
		return "unknown"
	}
}

// Status is the outcome carried by a work completion.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusFlushed
	StatusLocalLength
	StatusRemoteAccess
	StatusTransport
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFlushed:
		return "flushed"
	case StatusLocalLength:
		return "local_length"
	case StatusRemoteAccess:
		return "remote_access"
	case StatusTransport:
		return "transport"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Err converts a non-success status into an error. Flushed maps to ErrFlushed.
func (s Status) Err() error {
	switch s {
	case StatusSuccess:
		return nil
	case StatusFlushed:
		return ErrFlushed
	default:
		return fmt.Errorf("verbs: completion status %s", s)
	}
}

// WorkCompletion reports the outcome of one posted work request.
type WorkCompletion struct {
	WRID    uint64
	Status  Status
	Opcode  Opcode
	ByteLen int
	Imm     uint32
	HasImm  bool
}

// CompletionQueue is polled for finished work requests.
type CompletionQueue interface {
	// Poll copies up to len(wcs) completions without blocking.
	Poll(wcs []WorkCompletion) (int, error)
	// Wait blocks until a completion is available or the timeout expires, in
	// which case it returns ErrTimeout. A negative timeout waits indefinitely.
	Wait(timeout time.Duration) error
}

// RingCQ is an in-memory completion queue with a notification channel.
// Providers push entries, consumers poll and wait.
type RingCQ struct {
	mu     sync.Mutex
	buf    []WorkCompletion
	head   int
	n      int
	notify chan struct{}
}

var _ CompletionQueue = (*RingCQ)(nil)

// NewRingCQ returns a completion queue pre-sized for depth entries. It grows
// when more than depth entries are pending.
func NewRingCQ(depth int) *RingCQ {
	if depth <= 0 {
		depth = 16
	}
	return &RingCQ{buf: make([]WorkCompletion, depth), notify: make(chan struct{}, 1)}
}

// Push appends a completion and wakes one waiter.
func (q *RingCQ) Push(wc WorkCompletion) {
	q.mu.Lock()
	if q.n == len(q.buf) {
		grown := make([]WorkCompletion, len(q.buf)*2)
		for i := 0; i < q.n; i++ {
			grown[i] = q.buf[(q.head+i)%len(q.buf)]
		}
		q.buf = grown
		q.head = 0
	}
	q.buf[(q.head+q.n)%len(q.buf)] = wc
	q.n++
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Poll implements CompletionQueue.
func (q *RingCQ) Poll(wcs []WorkCompletion) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for count < len(wcs) && q.n > 0 {
		wcs[count] = q.buf[q.head]
		q.buf[q.head] = WorkCompletion{}
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		count++
	}
	return count, nil
}

// Wait implements CompletionQueue.
func (q *RingCQ) Wait(timeout time.Duration) error {
	if q.Len() > 0 {
		return nil
	}
	if timeout < 0 {
		<-q.notify
		return nil
	}
	if timeout == 0 {
		return ErrTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-q.notify:
		return nil
	case <-timer.C:
		if q.Len() > 0 {
			return nil
		}
		return ErrTimeout
	}
}

// Len returns the number of pending completions.
func (q *RingCQ) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}
