package payment

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPaymentNotFound is returned when the payment does not exist or belongs to another user.
	ErrPaymentNotFound = errors.New("payment: not found")
	// ErrInvalidStateForRetry is returned when the payment is not FAILED.
	ErrInvalidStateForRetry = errors.New("payment: cannot retry in current status")
	// ErrMaxRetriesExceeded is returned when the payment has used all retry attempts.
	ErrMaxRetriesExceeded = errors.New("payment: maximum retry attempts exceeded")
	// ErrRateLimited matches every *RateLimitedError.
	ErrRateLimited = errors.New("payment: too many retry attempts")
	// ErrConcurrentRetry is returned when the payment changed while a retry was
	// in flight, so the retry's write was not applied.
	ErrConcurrentRetry = errors.New("payment: payment changed concurrently")
	// ErrExternalProvider matches every *ProviderError.
	ErrExternalProvider = errors.New("payment: provider error")
)

// RateLimitedError is returned when a user exceeded the retry rate limit.
type RateLimitedError struct {
	UserID string
	// RetryAfter is the time left until the user's window resets.
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%v: retry after %ds", ErrRateLimited, e.RetryAfterSeconds())
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (e *RateLimitedError) RetryAfterSeconds() int64 {
	s := int64(e.RetryAfter / time.Second)
	if e.RetryAfter%time.Second != 0 {
		s++
	}
	return s
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// ProviderError wraps a failure of the payment-intent call.
type ProviderError struct {
	PaymentID string
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%v: payment %s: %v", ErrExternalProvider, e.PaymentID, e.Err)
}

func (e *ProviderError) Is(target error) bool { return target == ErrExternalProvider }

func (e *ProviderError) Unwrap() error { return e.Err }
