// Package retry runs operations with bounded, policy-driven retries. Fetching
// and storage both use it, each with their own policy and error predicate.
package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes how many attempts are made and how long to wait between them.
type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean a single attempt.
	MaxAttempts int
	Initial     time.Duration
	// Multiplier of 1 or less gives a fixed delay.
	Multiplier float64
	Max        time.Duration
	Jitter     float64
}

// Exponential is the remote fetch policy: 1s base, doubling, capped at 30s.
func Exponential(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		Initial:     time.Second,
		Multiplier:  2,
		Max:         30 * time.Second,
		Jitter:      0.1,
	}
}

// Fixed waits the same delay between every attempt.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Initial: delay, Multiplier: 1, Max: delay}
}

func (p Policy) backOff() backoff.BackOff {
	if p.Multiplier <= 1 {
		return backoff.NewConstantBackOff(p.Initial)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.Max
	b.RandomizationFactor = p.Jitter
	return b
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Notify is called before each wait with the failed attempt number and the delay.
type Notify func(attempt int, err error, wait time.Duration)

// Do calls op until it succeeds, returns an error retryable rejects, the
// attempts run out, or ctx is done.
func Do[T any](ctx context.Context, p Policy, retryable func(error) bool, op func(context.Context) (T, error), notify Notify) (T, error) {
	attempts := max(p.MaxAttempts, 1)
	if retryable == nil {
		retryable = IsTransient
	}

	tried := 0
	var lastErr error
	res, err := backoff.Retry(ctx, func() (T, error) {
		tried++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if notify != nil {
				notify(tried, err, wait)
			}
		}),
	)
	if err == nil {
		return res, nil
	}
	if lastErr == nil || !errors.Is(err, lastErr) {
		// stopped by ctx while waiting
		return res, err
	}
	if retryable(lastErr) {
		return res, &ExhaustedError{Attempts: tried, Err: lastErr}
	}
	return res, err
}

// TransientError marks an error as worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err so IsTransient reports true. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is a network, timeout or connection-loss
// failure that a later attempt may not hit.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}
