package wallet

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoAccount is returned by lookups that must not trigger creation
// when the identity has no wallet yet.
var ErrNoAccount = errors.New("wallet: no account for identity")

// ValidationError is bad caller input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("wallet: invalid %s: %s", e.Field, e.Reason)
}

// BackendUnavailableError is a backend call that failed after the retry
// budget was exhausted. When a stale cached balance exists it is carried
// along so callers can decide to degrade instead of failing hard.
type BackendUnavailableError struct {
	Op  string
	Err error

	Stale           bool
	StaleAmountMsat int64
	StaleAt         time.Time
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("wallet: backend unavailable during %s: %v", e.Op, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// StorageError is a local persistence failure. Logged and surfaced;
// never crashes the process.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("wallet: storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// RateLimitedError is an admission rejection for a user-triggered
// backend call.
type RateLimitedError struct {
	OwnerID    string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("wallet: rate limited, retry in %v", e.RetryAfter)
}

// IsBackendUnavailable reports whether err is a post-retry backend
// outage, as opposed to a terminal or local failure.
func IsBackendUnavailable(err error) bool {
	var be *BackendUnavailableError
	return errors.As(err, &be)
}
