// Package resilience wraps outbound HTTP calls with retry on transient
// failures. The content sources and the jina client route their requests
// through Do/DoVal; everything else in the system either has its own rate
// limiting or must not be retried.
package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy controls how a failing call is retried.
type Policy struct {
	// Attempts is the total number of tries, the first included.
	Attempts int

	// BaseDelay is the sleep before the first retry. Each further retry
	// multiplies it by Growth, capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Growth    float64

	// Jitter spreads each delay uniformly across ±Jitter of its value so
	// concurrent fan-outs do not retry in lockstep.
	Jitter float64
}

// DefaultPolicy suits the public JSON APIs the sources talk to: three tries
// starting at half a second.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:  3,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  30 * time.Second,
		Growth:    2.0,
		Jitter:    0.25,
	}
}

// Do runs fn under the policy, retrying only errors IsTransient accepts.
// Context cancellation stops retrying immediately and returns the last error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for calls that produce a value.
func DoVal[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	var zero T
	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if attempt >= p.Attempts || ctx.Err() != nil || !IsTransient(err) {
			return zero, err
		}

		delay := p.delay(attempt)
		zap.L().Debug("transient failure, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
	}
}

// delay computes the jittered backoff before retry number attempt (1-based).
func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Growth
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d *= 1 - p.Jitter + 2*p.Jitter*rand.Float64()
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}
