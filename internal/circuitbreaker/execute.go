package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
)

// Execute runs op through b. The call is rejected with an ErrCircuitOpen
// error when the breaker does not admit it, and fails with ErrCallTimeout when
// it outlives b.CallTimeout(). On timeout op's context is cancelled and its
// result abandoned. A failed call whose parent ctx has ended returns
// ErrCanceled wrapping ctx.Err() and is neutral to the breaker.
//
// The value returned by op is passed back even when op also returns an error,
// so callers can surface partial results such as an upstream response that
// was counted as a failure.
func Execute[R any](ctx context.Context, b Breaker, op func(ctx context.Context) (R, error)) (R, error) {
	var zero R

	done, err := b.Allow()
	if err != nil {
		return zero, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.CallTimeout())
	defer cancel()

	type result struct {
		val R
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- result{err: fmt.Errorf("breaker %s: operation panicked: %v", b.Name(), p)}
			}
		}()
		v, err := op(callCtx)
		ch <- result{val: v, err: err}
	}()

	select {
	case r := <-ch:
		err := r.err
		switch {
		case err == nil:
		case ctx.Err() != nil:
			err = fmt.Errorf("%w: %w: %w", ErrCanceled, ctx.Err(), err)
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			err = fmt.Errorf("%w after %s: %w", ErrCallTimeout, b.CallTimeout(), err)
		}
		done(err)
		return r.val, err
	case <-callCtx.Done():
		var err error
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		} else {
			err = fmt.Errorf("%w after %s", ErrCallTimeout, b.CallTimeout())
		}
		done(err)
		return zero, err
	}
}
