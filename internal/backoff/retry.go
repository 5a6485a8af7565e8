package backoff

import (
	"context"
	"errors"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have been exhausted.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Unbounded may be passed as maxAttempts to retry until ctx is done.
const Unbounded = -1

// RetryResult holds the result of a retry operation.
type RetryResult[T any] struct {
	// Value is the successful result value.
	Value T
	// Attempts is the number of attempts made (1-indexed).
	Attempts int
	// LastError is the last error encountered, if any.
	LastError error
}

// Permanent wraps an error that must not be retried.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }

func (p *Permanent) Unwrap() error { return p.Err }

// RetryWithBackoff calls fn until it succeeds, returns a *Permanent error,
// ctx is done, or maxAttempts calls have been made (a negative maxAttempts
// retries forever). fn receives the 1-indexed attempt number.
//
// On exhaustion the returned error wraps both ErrMaxAttemptsExhausted and
// the last error from fn.
func RetryWithBackoff[T any](
	ctx context.Context,
	policy BackoffPolicy,
	maxAttempts int,
	fn func(attempt int) (T, error),
) (RetryResult[T], error) {
	var result RetryResult[T]

	for attempt := 1; maxAttempts < 0 || attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			return result, err
		}

		value, err := fn(attempt)
		if err == nil {
			result.Value = value
			return result, nil
		}
		result.LastError = err

		var permanent *Permanent
		if errors.As(err, &permanent) {
			return result, permanent.Err
		}

		if maxAttempts < 0 || attempt < maxAttempts {
			if err := SleepWithBackoff(ctx, policy, attempt); err != nil {
				return result, err
			}
		}
	}

	return result, errors.Join(ErrMaxAttemptsExhausted, result.LastError)
}
