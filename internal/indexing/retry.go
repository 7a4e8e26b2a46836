package indexing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy configures exponential backoff for transient chain RPC and
// store failures. The shape mirrors a classic retry strategy: an initial delay
// that multiplies up to a capped maximum, bounded by a retry count.
type RetryPolicy struct {
	MaxRetries   uint64
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy is a conservative default for public RPC endpoints.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   5,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// transientMarkers are substrings of RPC errors known to be transient:
// connection blips, rate limiting, and upstream 5xx responses.
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"too many requests",
	"rate limit",
	"502",
	"503",
	"EOF",
}

// IsRetryable classifies an error as transient using the same substring
// heuristic as the blockchain client this policy is grounded on: errors
// that look like network or upstream-capacity failures are retried,
// anything else (malformed requests, decode failures) is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// backoff builds the go-retry backoff for this policy: exponential growth
// from InitialDelay, capped at MaxDelay, bounded to MaxRetries attempts.
func (p RetryPolicy) backoff() retry.Backoff {
	b := retry.NewExponential(p.InitialDelay)
	b = retry.WithCappedDuration(p.MaxDelay, b)
	b = retry.WithMaxRetries(p.MaxRetries, b)
	return b
}

// Do runs fn, retrying on transient errors per the policy's backoff curve.
// fn's error is classified with IsRetryable; non-transient errors and the
// final attempt's error after exhausting retries are both returned as-is.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	b := p.backoff()
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		return retry.RetryableError(err)
	})
}

// ErrMaxRetriesExceeded names the retry-exhaustion condition. Do does not
// return it: after the attempt budget is spent, Do returns the final
// attempt's error unwrapped, so errors.Is(err, ErrMaxRetriesExceeded) is
// false for Do's results.
var ErrMaxRetriesExceeded = errors.New("indexing: max retries exceeded")
