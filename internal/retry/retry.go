// Package retry provides the single reusable retry policy applied to
// idempotent-on-retry operations (persistence writes, status queries).
// Non-idempotent operations such as order placement and withdrawals must
// never be run through this package, since a retry could double-execute a
// trade.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy describes a bounded exponential backoff: MaxAttempts total tries,
// starting at BaseDelay and multiplying by Multiplier after each failure.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64

	// Sleep overrides the delay function; tests inject a fake. Nil means a
	// context-aware real sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default is the policy used for position-close persistence: 3 attempts with
// delays of 2s and 4s between them.
var Default = Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, Multiplier: 2}

// Do runs fn up to MaxAttempts times, sleeping between attempts. It returns
// nil on the first success, the context error if cancelled mid-wait, or the
// last failure wrapped with the operation name and attempt count.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	delay := p.BaseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := fn(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == attempts {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry: %s interrupted after attempt %d: %w", op, attempt, err)
		}
		delay = time.Duration(float64(delay) * p.Multiplier)
	}
	return fmt.Errorf("retry: %s failed after %d attempts: %w", op, attempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
