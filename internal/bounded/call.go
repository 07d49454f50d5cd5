// Package bounded runs collaborator calls under a deadline. The call runs in
// its own goroutine and is raced against the context, so a collaborator that
// ignores cancellation still cannot hold the caller past the timeout.
package bounded

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// PanicError wraps a panic recovered from a collaborator call.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Call invokes fn with a context bounded by timeout (no extra bound when
// timeout <= 0). It returns ctx.Err() if the deadline or parent context fires
// first. A panic inside fn is returned as *PanicError.
func Call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				ch <- result{val: zero, err: &PanicError{Value: r, Stack: debug.Stack()}}
			}
		}()
		v, err := fn(ctx)
		ch <- result{val: v, err: err}
	}()
	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Do is Call for functions without a result value.
func Do(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	_, err := Call(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
