package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoHandler is returned by registries when nothing is registered for a queue
	ErrNoHandler = errors.New("no handler registered for queue")

	// ErrVisibilityUnsupported is returned by transports that cannot extend a message lease
	ErrVisibilityUnsupported = errors.New("transport does not support visibility extension")

	// ErrExtenderBusy is returned when starting an extender that already runs a timer
	ErrExtenderBusy = errors.New("visibility extender already running")

	// ErrVisibilityTimeoutTooSmall is wrapped by RenewalConfigurationError when the
	// queue visibility timeout leaves no room for a renewal interval
	ErrVisibilityTimeoutTooSmall = errors.New("visibility timeout too small for renewal")
)

// DecodeError reports a message body that could not be decoded
type DecodeError struct {
	MessageID string
	Selector  string
	Body      []byte
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode failed: message %s with %s parser: %v", e.MessageID, e.Selector, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// RenewalError reports a single failed visibility renewal
type RenewalError struct {
	Queue     string
	MessageID string
	Timeout   time.Duration
	Err       error
}

func (e *RenewalError) Error() string {
	return fmt.Sprintf("visibility renewal failed: queue %s message %s by %v: %v",
		e.Queue, e.MessageID, e.Timeout, e.Err)
}

func (e *RenewalError) Unwrap() error {
	return e.Err
}

// RenewalConfigurationError reports that lease renewal cannot be scheduled for a queue
type RenewalConfigurationError struct {
	Queue   string
	Timeout time.Duration
	Margin  time.Duration
	Err     error
}

func (e *RenewalConfigurationError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("visibility renewal misconfigured: queue %s timeout %v margin %v: %v",
			e.Queue, e.Timeout, e.Margin, e.Err)
	}
	return fmt.Sprintf("visibility renewal misconfigured: queue %s: %v", e.Queue, e.Err)
}

func (e *RenewalConfigurationError) Unwrap() error {
	return e.Err
}

// HandlerError wraps an error raised by a worker or one of its interceptors
type HandlerError struct {
	Queue      string
	Worker     string
	MessageIDs []string
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed on queue %s: %v", e.Worker, e.Queue, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// ResolutionError reports that no handler could be resolved for a delivery
type ResolutionError struct {
	Queue      string
	MessageIDs []string
	Err        error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("handler resolution failed for queue %s: %v", e.Queue, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// IsHandlerError checks if err is or wraps a HandlerError
func IsHandlerError(err error) bool {
	var handlerErr *HandlerError
	return errors.As(err, &handlerErr)
}

// IsResolutionError checks if err is or wraps a ResolutionError
func IsResolutionError(err error) bool {
	var resolutionErr *ResolutionError
	return errors.As(err, &resolutionErr)
}
