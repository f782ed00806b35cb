package serve

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ErrInvalidRetryPolicy indicates a RetryPolicy with out-of-range fields.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// RetryPolicy defines automatic retry configuration for transient run
// failures.
//
// When an executor attempt fails with a transient error, the policy
// determines how long to wait before the next attempt. Exponential backoff
// with jitter is used to avoid thundering herd problems across workers.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of execution attempts, including the
	// initial one. Must be >= 1; a value of 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between retries.
	// The actual delay is min(BaseDelay * 2^attempt, MaxDelay) + jitter.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Zero means no cap.
	MaxDelay time.Duration

	// Retryable decides whether an error warrants another attempt. If nil,
	// IsTransient is used.
	Retryable func(error) bool
}

// Validate checks the policy configuration.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return fmt.Errorf("%w: MaxAttempts must be >= 1", ErrInvalidRetryPolicy)
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return fmt.Errorf("%w: MaxDelay must be >= BaseDelay", ErrInvalidRetryPolicy)
	}
	return nil
}

// retryable reports whether err should trigger another attempt under this
// policy.
func (rp *RetryPolicy) retryable(err error) bool {
	if rp.Retryable != nil {
		return rp.Retryable(err)
	}
	return IsTransient(err)
}

// computeBackoff calculates the delay before retrying a failed attempt:
//
//	delay = min(base * 2^attempt, maxDelay) + jitter(0, base)
//
// attempt is zero-based (0 = first retry). The jitter component randomizes
// retry timing across workers so concurrent failures do not retry in
// lockstep. rng may be nil, falling back to the package-level source.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}

	exponentialDelay := base * (1 << attempt)
	if maxDelay > 0 && exponentialDelay > maxDelay {
		exponentialDelay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter timing, not security
	}

	return exponentialDelay + jitter
}

// TransientError marks an executor failure as retryable. Workers retry
// transient failures per the configured RetryPolicy; any other error
// finalizes the run immediately.
type TransientError struct {
	Err error
}

// Transient wraps err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Error implements error.
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

// Unwrap supports errors.Is/As through the wrapper.
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is marked retryable anywhere in its chain.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
