// Package retry implements the generic backoff policy used by every
// outbound backend call. Callers retry independently: each Do invocation
// sleeps on its own timer, so one caller's backoff never delays another's.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"
)

// Policy configures one retried operation.
type Policy struct {
	// MaxAttempts is the total attempt budget, including the first try.
	MaxAttempts int
	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration
	// Multiplier grows the delay after each failed attempt.
	Multiplier float64
	// MaxDelay caps the per-attempt delay. Zero means no cap.
	MaxDelay time.Duration
	// Jitter randomizes each delay by ±Jitter fraction (0 disables).
	Jitter float64
	// OnRetry, when set, is called with the attempt number about to
	// run, for each attempt after the first. Used for retry counters.
	OnRetry func(attempt int)
}

// DefaultPolicy returns the backoff used for backend calls unless
// configured otherwise.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Second,
		Jitter:       0.1,
	}
}

// ExhaustedError is returned when all attempts fail with retryable
// errors. It carries the last underlying cause.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// permanentError marks an error as terminal so Do stops immediately.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do treats it as terminal: malformed requests,
// auth failures, and not-found responses must never be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked terminal via Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Retryable classifies an error. Network timeouts and connection
// failures are retryable; permanent-marked errors and context
// cancellation are not. Unknown errors default to retryable since
// 5xx-class failures arrive here as plain errors.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return true
}

// Do runs op with the policy's backoff schedule. The first failure
// classified as terminal is returned unwrapped from its permanent
// marker; exhaustion returns *ExhaustedError wrapping the last cause.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(p.delay(attempt - 1)):
			}
			if p.OnRetry != nil {
				p.OnRetry(attempt)
			}
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !Retryable(err) {
			var pe *permanentError
			if errors.As(err, &pe) {
				return zero, pe.err
			}
			return zero, err
		}
	}

	return zero, &ExhaustedError{Attempts: attempts, Last: lastErr}
}

// delay computes the wait before attempt n+1 (n = number of failures so far).
func (p Policy) delay(failures int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(failures-1))

	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}

	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1)
	}

	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
