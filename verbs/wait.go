package verbs

import (
	"context"
	"errors"
	"time"
)

// AwaitCompletion returns the next completion from cq. It polls first and
// then waits in slices of interval so that ctx cancellation is observed within
// one interval.
func AwaitCompletion(ctx context.Context, cq CompletionQueue, interval time.Duration) (WorkCompletion, error) {
	if cq == nil {
		return WorkCompletion{}, ErrInvalidHandle{"completion queue"}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	var wc [1]WorkCompletion
	for {
		n, err := cq.Poll(wc[:])
		if err != nil {
			return WorkCompletion{}, err
		}
		if n == 1 {
			return wc[0], nil
		}
		if err := ctx.Err(); err != nil {
			return WorkCompletion{}, err
		}
		if err := cq.Wait(interval); err != nil && !errors.Is(err, ErrTimeout) {
			return WorkCompletion{}, err
		}
	}
}

// Drain polls cq until it is empty, passing every completion to fn.
func Drain(cq CompletionQueue, fn func(WorkCompletion)) (int, error) {
	if cq == nil {
		return 0, ErrInvalidHandle{"completion queue"}
	}
	var batch [16]WorkCompletion
	total := 0
	for {
		n, err := cq.Poll(batch[:])
		if err != nil {
			return total, err
		}
		for i := 0; i < n; i++ {
			fn(batch[i])
		}
		total += n
		if n < len(batch) {
			return total, nil
		}
	}
}
