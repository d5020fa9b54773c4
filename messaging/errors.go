package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/mmate-gateway/contracts"
)

var (
	// Queue errors
	ErrQueueFull   = errors.New("queue: full")
	ErrQueueEmpty  = errors.New("queue: empty")
	ErrQueueClosed = errors.New("queue: closed")

	// Port errors
	ErrTransientDelivery = errors.New("port: transient delivery failure")
	ErrPermanentDelivery = errors.New("port: permanent delivery failure")
	ErrNotInitialized    = errors.New("port: not initialized")
	ErrInitialization    = errors.New("port: initialization failed")

	// Registry errors
	ErrAdapterNotFound    = errors.New("registry: no adapter for destination type")
	ErrNoUsableAdapters   = errors.New("registry: no adapters initialized")
	ErrAmbiguousAdapters  = errors.New("registry: more than one enabled adapter serves a destination type")
	ErrUnknownAdapterKind = errors.New("registry: unknown adapter kind")
	ErrDuplicateAdapter   = errors.New("registry: duplicate adapter name")

	// ErrValidation matches every message validation failure.
	ErrValidation = contracts.ErrInvalidMessage
)

// QueueFullError is returned by non-blocking enqueue on a full queue.
type QueueFullError struct {
	Queue    string
	Capacity int
}

func (e *QueueFullError) Error() string {
	if e.Queue != "" {
		return fmt.Sprintf("queue %s full (capacity %d)", e.Queue, e.Capacity)
	}
	return fmt.Sprintf("queue full (capacity %d)", e.Capacity)
}

func (e *QueueFullError) Is(target error) bool { return target == ErrQueueFull }

// IsRetryable reports true: the caller may try again once the queue drains.
func (e *QueueFullError) IsRetryable() bool { return true }

// AdapterNotFoundError means no initialized port serves a destination type.
type AdapterNotFoundError struct {
	Type     contracts.DestinationType
	Category string
	Name     string
}

func (e *AdapterNotFoundError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("no adapter %s/%s", e.Category, e.Name)
	}
	return fmt.Sprintf("no adapter for destination type %q", e.Type)
}

func (e *AdapterNotFoundError) Is(target error) bool { return target == ErrAdapterNotFound }

func (e *AdapterNotFoundError) IsRetryable() bool { return false }

// TransientDeliveryError is a send failure that may succeed later.
type TransientDeliveryError struct {
	Port string
	Err  error
}

func (e *TransientDeliveryError) Error() string {
	if e.Port != "" {
		return fmt.Sprintf("transient delivery failure on %s: %v", e.Port, e.Err)
	}
	return fmt.Sprintf("transient delivery failure: %v", e.Err)
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }

func (e *TransientDeliveryError) Is(target error) bool { return target == ErrTransientDelivery }

func (e *TransientDeliveryError) IsRetryable() bool { return true }

// PermanentDeliveryError is a send failure that will not succeed on retry,
// such as an invalid address or a rejected payload.
type PermanentDeliveryError struct {
	Port string
	Err  error
}

func (e *PermanentDeliveryError) Error() string {
	if e.Port != "" {
		return fmt.Sprintf("permanent delivery failure on %s: %v", e.Port, e.Err)
	}
	return fmt.Sprintf("permanent delivery failure: %v", e.Err)
}

func (e *PermanentDeliveryError) Unwrap() error { return e.Err }

func (e *PermanentDeliveryError) Is(target error) bool { return target == ErrPermanentDelivery }

func (e *PermanentDeliveryError) IsRetryable() bool { return false }

// InitializationError is returned when a port cannot acquire its resources.
type InitializationError struct {
	Adapter string
	Err     error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize adapter %s: %v", e.Adapter, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

func (e *InitializationError) Is(target error) bool { return target == ErrInitialization }

// NotInitializedError is returned by a port used before Initialize or after Shutdown.
type NotInitializedError struct {
	Adapter string
	Op      string
}

func (e *NotInitializedError) Error() string {
	return fmt.Sprintf("adapter %s: %s before initialize", e.Adapter, e.Op)
}

func (e *NotInitializedError) Is(target error) bool { return target == ErrNotInitialized }

func (e *NotInitializedError) IsRetryable() bool { return false }

// Transient wraps err as a TransientDeliveryError. A nil err stays nil.
func Transient(port string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientDeliveryError{Port: port, Err: err}
}

// Permanent wraps err as a PermanentDeliveryError. A nil err stays nil.
func Permanent(port string, err error) error {
	if err == nil {
		return nil
	}
	return &PermanentDeliveryError{Port: port, Err: err}
}

// ErrorKind is the coarse classification the delivery loop acts on.
type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindValidation     ErrorKind = "validation"
	KindQueueFull      ErrorKind = "queue_full"
	KindAdapterMissing ErrorKind = "adapter_not_found"
	KindTransient      ErrorKind = "transient"
	KindPermanent      ErrorKind = "permanent"
	KindInitialization ErrorKind = "initialization"
	KindNotInitialized ErrorKind = "not_initialized"
	KindCanceled       ErrorKind = "canceled"
)

// ClassifyError maps err onto an ErrorKind. Errors a port did not classify are
// treated as transient so a misbehaving adapter cannot lose messages on the
// first failure.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrPermanentDelivery):
		return KindPermanent
	case errors.Is(err, ErrTransientDelivery):
		return KindTransient
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrAdapterNotFound):
		return KindAdapterMissing
	case errors.Is(err, ErrNotInitialized):
		return KindNotInitialized
	case errors.Is(err, ErrInitialization):
		return KindInitialization
	case errors.Is(err, ErrQueueFull):
		return KindQueueFull
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindTransient
	}
}

// IsRetryable reports whether the delivery loop should keep a destination for retry.
func IsRetryable(err error) bool {
	return ClassifyError(err) == KindTransient
}
