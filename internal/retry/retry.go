// Package retry provides named exponential backoff policies.
//
// Every retry site in the codebase refers to one of the named policies below
// instead of carrying its own ad-hoc delay arithmetic.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy describes a bounded exponential backoff schedule.
type Policy struct {
	Name        string
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	MaxAttempts int
	Jitter      bool
}

// Named policies used across the system.
var (
	// FetchRetry paces worker-side refetches: 1s, 2s, 4s.
	FetchRetry = Policy{Name: "fetch-retry", Base: time.Second, Factor: 2, Cap: 4 * time.Second, MaxAttempts: 3}

	// BusPublish paces publish attempts against an unavailable broker.
	BusPublish = Policy{Name: "bus-publish", Base: 500 * time.Millisecond, Factor: 2, Cap: 10 * time.Second, MaxAttempts: 5, Jitter: true}

	// ProxyWait paces message requeues while the proxy pool is exhausted.
	ProxyWait = Policy{Name: "proxy-wait", Base: 2 * time.Second, Factor: 2, Cap: 30 * time.Second, MaxAttempts: 5}

	// Recovery paces respawn attempts for a crashed task loop: 60s doubling
	// to a 10 minute ceiling.
	Recovery = Policy{Name: "recovery", Base: time.Minute, Factor: 2, Cap: 10 * time.Minute, MaxAttempts: 10}
)

// Delay returns the backoff before retry number attempt (zero-based: the
// delay after the first failure is Delay(0)).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
		if time.Duration(d) >= p.Cap {
			d = float64(p.Cap)
			break
		}
	}
	out := time.Duration(d)
	if out > p.Cap {
		out = p.Cap
	}
	if p.Jitter && out > 1 {
		half := out / 2
		out = half + time.Duration(rand.Int63n(int64(half)+1))
	}
	return out
}

// Exhausted reports whether attempt (zero-based count of failures so far)
// has used up the policy's budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Do runs fn until it succeeds, the policy is exhausted, or ctx is done.
// The last error is returned wrapped with the policy name and attempt count.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%s: canceled after %d attempts: %w", p.Name, attempt, lastErr)
			}
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Exhausted(attempt + 1) {
			return fmt.Errorf("%s: %d attempts exhausted: %w", p.Name, attempt+1, lastErr)
		}
		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: canceled after %d attempts: %w", p.Name, attempt+1, lastErr)
		case <-timer.C:
		}
	}
}
