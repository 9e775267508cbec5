package dispatch

import (
	"context"
	"fmt"
	"time"

	"k8s.io/utils/clock"
)

type callResult[T any] struct {
	v   T
	err error
}

// callWithDeadline runs fn and races it against a timer on clk. When the
// timer wins, fn's context is cancelled and whatever it returns later is
// dropped: the buffered channel absorbs the late send and nobody reads it.
// A timeout <= 0 disables the timer.
func callWithDeadline[T any](ctx context.Context, clk clock.Clock, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan callResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult[T]{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(callCtx)
		done <- callResult[T]{v: v, err: err}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := clk.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C()
	}

	var zero T
	select {
	case r := <-done:
		return r.v, r.err
	case <-expired:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// sleep waits d on clk or until ctx is done.
func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clk.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
