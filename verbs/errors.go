package verbs

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCompletion indicates that no completion entries were available.
	ErrNoCompletion = errors.New("verbs: no completion available")
	// ErrTimeout indicates that a wait operation timed out.
	ErrTimeout = errors.New("verbs: wait timed out")
	// ErrFlushed indicates a work request was discarded because its queue pair left the ready state.
	ErrFlushed = errors.New("verbs: work request flushed")
	// ErrQPState indicates an operation was attempted on a queue pair that is not ready.
	ErrQPState = errors.New("verbs: queue pair not in ready state")
	// ErrPoolExhausted indicates that a fixed pool has no free regions.
	ErrPoolExhausted = errors.New("verbs: memory pool exhausted")
	// ErrRegionTooSmall indicates a payload does not fit the registered region.
	ErrRegionTooSmall = errors.New("verbs: memory region too small")
	// ErrConnectionRefused indicates the remote side rejected or did not answer a connection request.
	ErrConnectionRefused = errors.New("verbs: connection refused")
	// ErrAddressInUse indicates a listener is already bound to the requested address.
	ErrAddressInUse = errors.New("verbs: address already in use")
)

// ErrInvalidHandle reports use of a closed or missing resource.
type ErrInvalidHandle struct {
	Resource string
}

func (e ErrInvalidHandle) Error() string {
	return fmt.Sprintf("verbs: invalid %s handle", e.Resource)
}
