// Package retry wraps github.com/cenkalti/backoff/v4 for the two retry
// points spec §4.7/§5 call out explicitly: Phase 0 connect retry on a
// transient ConnectionError, and Phase 5 upload retry on a transient
// TransportError.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds an exponential-backoff retry loop.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy matches the spec's "exponential backoff, up to N
// attempts" language with sane defaults for a batch CLI tool.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, InitialInterval: 500 * time.Millisecond, MaxInterval: 10 * time.Second}
}

// Do runs fn, retrying with exponential backoff while shouldRetry(err)
// is true, up to MaxAttempts. ctx cancellation aborts the loop
// immediately.
func (p Policy) Do(ctx context.Context, shouldRetry func(error) bool, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval

	bo := backoff.WithMaxRetries(eb, uint64(max(0, p.MaxAttempts-1)))
	bo = backoff.WithContext(bo, ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !shouldRetry(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}
