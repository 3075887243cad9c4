// Package retry wraps fallible operations with a bounded attempt count
// and exponential backoff. The policy is independent of what the
// operation does; callers decide which stages of a cycle get wrapped.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"metersync/logger"
)

// Policy describes how often and how patiently an operation is retried.
type Policy struct {
	Attempts int
	MinDelay time.Duration
	MaxDelay time.Duration
}

// DefaultPolicy mirrors the upstream defaults: three retries, ten
// seconds apart, capped at a minute.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, MinDelay: 10 * time.Second, MaxDelay: time.Minute}
}

// Do runs fn up to p.Attempts+1 times, sleeping between attempts with
// exponential backoff and jitter. It returns nil on the first success,
// the last error once attempts are exhausted, or the context error if
// the context is canceled while waiting.
func Do(ctx context.Context, p Policy, operation string, fn func() error) error {
	log := logger.GetLogger().WithComponent("retry").WithFields(logger.Fields{"operation": operation})

	b := &backoff.Backoff{
		Min:    p.MinDelay,
		Max:    p.MaxDelay,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= p.Attempts+1; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempt > p.Attempts {
			break
		}

		delay := b.Duration()
		log.WithError(lastErr).WithFields(logger.Fields{
			"attempt": attempt,
			"of":      p.Attempts + 1,
			"delay":   delay.String(),
		}).Warn("attempt failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	log.WithError(lastErr).WithFields(logger.Fields{"attempts": p.Attempts + 1}).Error("all attempts failed")
	return fmt.Errorf("%s failed after %d attempts: %w", operation, p.Attempts+1, lastErr)
}
