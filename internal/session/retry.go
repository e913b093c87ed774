package session

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/flarebyte/redstore/internal/store"
)

// RetryPolicy bounds the retries of BackendUnavailable failures.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
}

// DefaultRetry makes three attempts, waiting 50ms then 100ms.
var DefaultRetry = RetryPolicy{Attempts: 3, Base: 50 * time.Millisecond}

func retryable(err error) bool { return errors.Is(err, store.ErrBackendUnavailable) }

// wait sleeps before attempt n+1 and reports whether another attempt may run.
func (p RetryPolicy) wait(ctx context.Context, n int) bool {
	if n+1 >= p.Attempts || ctx.Err() != nil {
		return false
	}
	t := time.NewTimer(p.Base << n)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (f *Facade) retry(ctx context.Context, op string, fn func() error) error {
	for n := 0; ; n++ {
		err := fn()
		if err == nil || !retryable(err) {
			return err
		}
		if !f.retryPolicy.wait(ctx, n) {
			return err
		}
		f.obs.Log().Warn().Str("op", op).Int("attempt", n+2).Err(err).Msg("retrying")
	}
}

// retrySeq re-opens a sequence after a BackendUnavailable failure, but only
// while nothing has been yielded yet.
func retrySeq[T any](ctx context.Context, f *Facade, op string, open func() iter.Seq2[T, error]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for n := 0; ; n++ {
			var failed error
			yielded := false
			for v, err := range open() {
				if err != nil {
					failed = err
					break
				}
				yielded = true
				if !yield(v, nil) {
					return
				}
			}
			if failed == nil {
				return
			}
			if yielded || !retryable(failed) || !f.retryPolicy.wait(ctx, n) {
				var zero T
				yield(zero, failed)
				return
			}
			f.obs.Log().Warn().Str("op", op).Int("attempt", n+2).Err(failed).Msg("retrying")
		}
	}
}
