package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/florinutz/icetable/metrics"
)

const minDelay = 10 * time.Millisecond

// Jitter returns an exponential delay with full jitter.
//
//	delay = max(minDelay, rand(0, min(cap, base * 2^attempt)))
func Jitter(attempt int, base, cap time.Duration) time.Duration {
	exp := float64(base) * math.Pow(2, float64(attempt))
	if exp > float64(cap) || exp <= 0 { // overflow guard
		exp = float64(cap)
	}
	if exp < 1 {
		return minDelay
	}
	jitter := time.Duration(rand.Int64N(int64(exp)))
	if jitter < minDelay {
		jitter = minDelay
	}
	return jitter
}

// Policy bounds a caller-side retry loop.
type Policy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
}

// Retry calls fn until it succeeds, returns an error retryable rejects, or
// MaxRetries retries are used up. It sleeps a jittered delay between
// attempts and returns the last error.
func Retry(ctx context.Context, p Policy, retryable func(error) bool, fn func(attempt int) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(attempt)
		if err == nil || !retryable(err) || attempt >= p.MaxRetries {
			return err
		}
		metrics.CommitRetries.Inc()

		timer := time.NewTimer(Jitter(attempt, p.Base, p.Cap))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
