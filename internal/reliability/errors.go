package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Circuit breaker errors
	ErrCircuitOpen          = errors.New("circuit breaker: circuit is open")
	ErrCircuitHalfOpenLimit = errors.New("circuit breaker: half-open request limit reached")

	// Retry errors
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
	ErrNonRetryable       = errors.New("retry: error is not retryable")

	// Dead letter store errors
	ErrDeadLetterNotFound = errors.New("dead letters: entry not found")
	ErrInvalidDeadLetter  = errors.New("dead letters: invalid entry")
)

// CircuitBreakerError represents a circuit breaker error with context
type CircuitBreakerError struct {
	State            State
	Op               string
	Failures         int
	FailureThreshold int
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		retryIn := time.Until(e.NextRetry).Round(time.Second)
		return fmt.Sprintf("circuit breaker open: %s blocked (failures=%d/%d, retry in %v)",
			e.Op, e.Failures, e.FailureThreshold, retryIn)
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker half-open: %s limited", e.Op)
	default:
		return fmt.Sprintf("circuit breaker error: %s in state %v", e.Op, e.State)
	}
}

// Is matches ErrCircuitOpen or ErrCircuitHalfOpenLimit depending on the state.
func (e *CircuitBreakerError) Is(target error) bool {
	switch e.State {
	case StateOpen:
		return target == ErrCircuitOpen
	case StateHalfOpen:
		return target == ErrCircuitHalfOpenLimit
	}
	return false
}

// IsRetryable reports true: a blocked call may succeed once the breaker closes.
func (e *CircuitBreakerError) IsRetryable() bool { return true }

// RetryError represents a retry operation error
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d/%d attempts over %v: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// Is matches ErrMaxRetriesExceeded in addition to the wrapped error.
func (e *RetryError) Is(target error) bool {
	return target == ErrMaxRetriesExceeded
}

// DeadLetterError represents a dead letter store operation error
type DeadLetterError struct {
	Op        string
	ID        string
	MessageID string
	Err       error
}

func (e *DeadLetterError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("dead letters: %s failed for message %s: %v", e.Op, e.MessageID, e.Err)
	}
	if e.ID != "" {
		return fmt.Sprintf("dead letters: %s failed for entry %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("dead letters: %s failed: %v", e.Op, e.Err)
}

func (e *DeadLetterError) Unwrap() error {
	return e.Err
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrNonRetryable):
		return false
	case errors.Is(err, ErrMaxRetriesExceeded):
		return false
	case errors.Is(err, ErrInvalidDeadLetter):
		return false
	}

	return true
}
