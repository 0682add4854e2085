package governance

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

var (
	// ErrCallTimeout is returned when a bounded call exceeds its timeout.
	ErrCallTimeout = errors.New("call timeout exceeded")
)

// PanicError carries a panic recovered from a bounded call.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("call panicked: %v", e.Value)
}

// EffectiveTimeout returns the smallest positive candidate, bounded by the time left
// until deadline when one is set. It returns zero when the deadline already passed.
func EffectiveTimeout(deadline time.Time, now time.Time, candidates ...time.Duration) time.Duration {
	var selected time.Duration
	for _, c := range candidates {
		if c > 0 && (selected == 0 || c < selected) {
			selected = c
		}
	}
	if !deadline.IsZero() {
		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return 0
		}
		if selected == 0 || remaining < selected {
			selected = remaining
		}
	}
	return selected
}

// CallWithTimeout runs fn in its own goroutine and stops waiting for it once timeout
// elapses or ctx ends, so a non-cooperative callee cannot hold the caller. Panics are
// recovered into *PanicError. The abandoned goroutine is left to finish on its own.
func CallWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		return zero, fmt.Errorf("%w: no time left", ErrCallTimeout)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &PanicError{Value: r, Stack: debug.Stack()}}
			}
		}()
		v, err := fn(callCtx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return res.value, fmt.Errorf("%w after %s: %w", ErrCallTimeout, timeout, res.err)
		}
		return res.value, res.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%w after %s", ErrCallTimeout, timeout)
	}
}
