// Package retry is a small retry-with-backoff combinator shared by callers
// that talk to flaky collaborators (subscription transports, DB dial at
// startup).
package retry

import (
	"context"
	"time"
)

// Policy controls how Do retries. Delay before attempt n (1-based, counting
// from the first retry) is n × BaseDelay: linear, easy to audit.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Retryable decides whether an error is worth another attempt.
	// nil means every error is retryable.
	Retryable func(error) bool
}

// Do runs fn up to p.MaxAttempts times. It returns nil on the first success,
// the last error once attempts are exhausted or the error is not retryable,
// and ctx.Err() if the context ends during a backoff sleep.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			return err
		}
		if serr := sleep(ctx, time.Duration(attempt)*p.BaseDelay); serr != nil {
			return serr
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
