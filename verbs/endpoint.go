package verbs

import "context"

// SendRequest describes a send work request. A nil Region with zero Length
// posts a 0-length message, useful for carrying only immediate data.
type SendRequest struct {
	WRID     uint64
	Region   *MemoryRegion
	Length   int
	Imm      uint32
	HasImm   bool
	Signaled bool
}

// RecvRequest describes a receive work request. A nil Region accepts only
// 0-length messages.
type RecvRequest struct {
	WRID   uint64
	Region *MemoryRegion
}

// Endpoint is a connected reliable queue pair with dedicated send and receive
// completion queues. Completions on each queue are reported in posting order.
// Unsignaled sends only produce a completion when they fail.
type Endpoint interface {
	Registrar
	PostSend(req *SendRequest) error
	PostRecv(req *RecvRequest) error
	SendCQ() CompletionQueue
	RecvCQ() CompletionQueue
	LocalAddr() string
	RemoteAddr() string
	// Close moves the queue pair to the error state. Every outstanding work
	// request completes with StatusFlushed before Close returns.
	Close() error
}

// Listener accepts incoming connection requests.
type Listener interface {
	Accept(ctx context.Context) (Endpoint, error)
	Addr() string
	Close() error
}

// Provider drives the connection manager for one transport.
type Provider interface {
	Name() string
	Listen(ctx context.Context, addr string) (Listener, error)
	Dial(ctx context.Context, addr string) (Endpoint, error)
}
