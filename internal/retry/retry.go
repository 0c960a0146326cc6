// Package retry holds the rate-limit classification and exponential backoff
// shared by the durable job executor and the streaming batch coordinator.
package retry

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
)

// CodeResourceExhausted is the provider status reported alongside HTTP 429.
const CodeResourceExhausted = "RESOURCE_EXHAUSTED"

type httpStatuser interface {
	HTTPStatus() int
}

type errorCoder interface {
	ErrorCode() string
}

// IsRateLimited reports whether err is a transient rate-limit failure.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}

	var hs httpStatuser
	if errors.As(err, &hs) && hs.HTTPStatus() == 429 {
		return true
	}
	var ec errorCoder
	if errors.As(err, &ec) && ec.ErrorCode() == CodeResourceExhausted {
		return true
	}
	return strings.Contains(err.Error(), "429")
}

// Delay returns base * 2^attempt, capped at maxDelay when maxDelay > 0.
// Attempt 0 is the wait before the first retry.
func Delay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	f := float64(base) * math.Pow(2, float64(attempt))
	if maxDelay > 0 && f > float64(maxDelay) {
		return maxDelay
	}
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

// Policy bounds a retry loop. MaxAttempts counts every call including the
// first; values below 1 are treated as 1.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type Options struct {
	// OnRetry runs before each backoff wait with the 1-based number of the
	// attempt that just failed.
	OnRetry func(attempt int, err error, wait time.Duration)

	// Sleep replaces the context-aware wait. Used by tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Do calls fn until it succeeds, fails with a non rate-limit error, or the
// policy runs out of attempts. The last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error), opts Options) (T, error) {
	attempts := max(p.MaxAttempts, 1)
	sleep := opts.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var (
		out T
		err error
	)
	for attempt := 1; ; attempt++ {
		out, err = fn(ctx)
		if err == nil {
			return out, nil
		}
		if attempt >= attempts || !IsRateLimited(err) {
			return out, err
		}

		wait := Delay(attempt-1, p.BaseDelay, p.MaxDelay)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err, wait)
		}
		if serr := sleep(ctx, wait); serr != nil {
			return out, err
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
