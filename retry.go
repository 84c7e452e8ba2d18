package acmeguard

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

const fetchRetryInterval = 3000 * time.Millisecond

// FetchWithRetry drives the CA's asynchronous state machines (challenge
// polling, certificate issuance) per spec.md §4.7: produce repeatedly calls
// a blocking producer.
//
//   - ok == true completes the call with the returned value.
//   - ok == false waits fetchRetryInterval and retries.
//   - An *AcmeRetryAfter error waits until the deadline and retries.
//   - Any other error propagates immediately.
func FetchWithRetry[T any](ctx context.Context, produce func(context.Context) (T, bool, error)) (T, error) {
	for {
		v, ok, err := produce(ctx)
		if err == nil && ok {
			return v, nil
		}

		if err != nil {
			var retryAfter *AcmeRetryAfter
			if errors.As(err, &retryAfter) {
				if werr := sleep(ctx, time.Until(retryAfter.RetryAfter)); werr != nil {
					var zero T
					return zero, werr
				}

				continue
			}

			var zero T
			return zero, err
		}

		if werr := sleep(ctx, fetchRetryInterval); werr != nil {
			var zero T
			return zero, werr
		}
	}
}

// sleep waits for d or returns ctx.Err() if ctx is cancelled first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
