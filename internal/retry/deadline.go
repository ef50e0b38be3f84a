package retry

import (
	"context"
	"time"

	"github.com/docforge/api/internal/model"
)

// WithDeadline races op against a timer. The caller is released after d with a
// *model.DeadlineError even if op ignores its context; op keeps running in the
// background and its late result is dropped.
func WithDeadline[T any](ctx context.Context, scope string, d time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if d <= 0 {
		return op(ctx)
	}

	opCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := op(opCtx)
		done <- outcome{val: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == nil && opCtx.Err() == context.DeadlineExceeded {
			return zero, &model.DeadlineError{Scope: scope, After: d}
		}
		return out.val, out.err
	case <-timer.C:
		return zero, &model.DeadlineError{Scope: scope, After: d}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
