package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/glimte/mmate-worker/contracts"
)

// LoggingInterceptor logs the start and outcome of every delivery. Values
// set by enrichment interceptors further down the chain are included in the
// outcome line.
type LoggingInterceptor struct {
	logger *slog.Logger
}

func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

func (i *LoggingInterceptor) Intercept(ctx context.Context, worker Worker, queue contracts.QueueRef, delivery *contracts.Delivery, payload contracts.Payload, next Worker) error {
	start := time.Now()
	ctx, values := ensureValues(ctx)

	attrs := []any{
		"worker", WorkerName(worker),
		"queue", queue.Name,
		"messageIds", delivery.IDs(),
	}
	if !payload.OK() {
		attrs = append(attrs, "decoded", false)
	}

	i.logger.DebugContext(ctx, "processing delivery", attrs...)

	err := next.Perform(ctx, delivery, payload)

	attrs = append(attrs, "duration", time.Since(start))
	attrs = append(attrs, values.LogAttrs()...)

	if err != nil {
		i.logger.ErrorContext(ctx, "delivery failed", append(attrs, "error", err)...)
	} else {
		i.logger.InfoContext(ctx, "delivery processed", attrs...)
	}
	return err
}

func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsCollector receives per-queue counters from MetricsInterceptor
type MetricsCollector interface {
	IncrementMessageCount(queue string)
	RecordProcessingTime(queue string, duration time.Duration)
	IncrementErrorCount(queue string, errorType string)
}

// Error types reported to MetricsCollector.IncrementErrorCount
const (
	ErrorTypeDecode       = "decode_error"
	ErrorTypeValidation   = "validation_error"
	ErrorTypeTimeout      = "timeout"
	ErrorTypeCanceled     = "canceled"
	ErrorTypeShortCircuit = "short_circuit"
	ErrorTypeProcessing   = "processing_error"
)

// MetricsInterceptor counts deliveries, times them and classifies failures
type MetricsInterceptor struct {
	collector MetricsCollector
}

func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

func (i *MetricsInterceptor) Intercept(ctx context.Context, worker Worker, queue contracts.QueueRef, delivery *contracts.Delivery, payload contracts.Payload, next Worker) error {
	i.collector.IncrementMessageCount(queue.Name)
	if !payload.OK() {
		i.collector.IncrementErrorCount(queue.Name, ErrorTypeDecode)
	}

	start := time.Now()
	err := next.Perform(ctx, delivery, payload)
	i.collector.RecordProcessingTime(queue.Name, time.Since(start))

	if err != nil {
		i.collector.IncrementErrorCount(queue.Name, classifyError(err))
	}
	return err
}

func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

func classifyError(err error) string {
	var validation *ValidationFailedError
	switch {
	case IsShortCircuit(err):
		return ErrorTypeShortCircuit
	case errors.As(err, &validation):
		return ErrorTypeValidation
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case errors.Is(err, context.Canceled):
		return ErrorTypeCanceled
	default:
		return ErrorTypeProcessing
	}
}

// PayloadValidator checks a decoded payload before the worker sees it
type PayloadValidator interface {
	Validate(ctx context.Context, delivery *contracts.Delivery, payload contracts.Payload) error
}

type PayloadValidatorFunc func(ctx context.Context, delivery *contracts.Delivery, payload contracts.Payload) error

func (f PayloadValidatorFunc) Validate(ctx context.Context, delivery *contracts.Delivery, payload contracts.Payload) error {
	return f(ctx, delivery, payload)
}

// ValidationFailedError wraps the validator's error for a rejected delivery
type ValidationFailedError struct {
	Queue      string
	MessageIDs []string
	Err        error
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("payload validation failed on queue %s: %v", e.Queue, e.Err)
}

func (e *ValidationFailedError) Unwrap() error {
	return e.Err
}

// ValidationInterceptor rejects deliveries whose payload fails validation.
// The worker does not run for a rejected delivery.
type ValidationInterceptor struct {
	validator PayloadValidator
}

func NewValidationInterceptor(validator PayloadValidator) *ValidationInterceptor {
	return &ValidationInterceptor{validator: validator}
}

func (i *ValidationInterceptor) Intercept(ctx context.Context, worker Worker, queue contracts.QueueRef, delivery *contracts.Delivery, payload contracts.Payload, next Worker) error {
	if err := i.validator.Validate(ctx, delivery, payload); err != nil {
		return &ValidationFailedError{Queue: queue.Name, MessageIDs: delivery.IDs(), Err: err}
	}
	return next.Perform(ctx, delivery, payload)
}

func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// TimeoutError is returned when a worker outlives its TimeoutInterceptor.
// It matches context.DeadlineExceeded.
type TimeoutError struct {
	Timeout    time.Duration
	MessageIDs []string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("worker exceeded timeout of %v for messages %v", e.Timeout, e.MessageIDs)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// TimeoutInterceptor bounds the time a worker may take. The processor itself
// imposes no deadline; opt in per worker with this interceptor. A worker
// that ignores its context keeps running after the timeout fires, but its
// result is discarded.
type TimeoutInterceptor struct {
	timeout time.Duration
}

func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

func (i *TimeoutInterceptor) Intercept(ctx context.Context, worker Worker, queue contracts.QueueRef, delivery *contracts.Delivery, payload contracts.Payload, next Worker) error {
	runCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- next.Perform(runCtx, delivery, payload)
	}()

	select {
	case err := <-done:
		if err == nil || runCtx.Err() == nil {
			return err
		}
	case <-runCtx.Done():
	}

	if ctx.Err() != nil {
		// Interrupted from outside, not our deadline.
		return ctx.Err()
	}
	return &TimeoutError{Timeout: i.timeout, MessageIDs: delivery.IDs()}
}

func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// ErrorHandler translates a worker error. Returning nil swallows it.
type ErrorHandler interface {
	HandleError(ctx context.Context, queue contracts.QueueRef, delivery *contracts.Delivery, err error) error
}

type ErrorHandlerFunc func(ctx context.Context, queue contracts.QueueRef, delivery *contracts.Delivery, err error) error

func (f ErrorHandlerFunc) HandleError(ctx context.Context, queue contracts.QueueRef, delivery *contracts.Delivery, err error) error {
	return f(ctx, queue, delivery, err)
}

// ErrorHandlingInterceptor passes worker errors through an ErrorHandler
type ErrorHandlingInterceptor struct {
	handler ErrorHandler
	logger  *slog.Logger
}

func NewErrorHandlingInterceptor(handler ErrorHandler, logger *slog.Logger) *ErrorHandlingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorHandlingInterceptor{handler: handler, logger: logger}
}

func (i *ErrorHandlingInterceptor) Intercept(ctx context.Context, worker Worker, queue contracts.QueueRef, delivery *contracts.Delivery, payload contracts.Payload, next Worker) error {
	err := next.Perform(ctx, delivery, payload)
	if err == nil {
		return nil
	}

	translated := i.handler.HandleError(ctx, queue, delivery, err)
	if translated == nil {
		i.logger.Warn("worker error swallowed",
			"worker", WorkerName(worker),
			"queue", queue.Name,
			"messageIds", delivery.IDs(),
			"error", err,
		)
	}
	return translated
}

func (i *ErrorHandlingInterceptor) Name() string {
	return "ErrorHandlingInterceptor"
}

// CircuitBreaker runs fn unless the breaker is open.
// internal/reliability provides an implementation.
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func() error) error
}

// CircuitBreakerInterceptor runs the rest of the chain through a breaker
type CircuitBreakerInterceptor struct {
	breaker CircuitBreaker
}

func NewCircuitBreakerInterceptor(breaker CircuitBreaker) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{breaker: breaker}
}

func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, worker Worker, queue contracts.QueueRef, delivery *contracts.Delivery, payload contracts.Payload, next Worker) error {
	return i.breaker.Execute(ctx, func() error {
		return next.Perform(ctx, delivery, payload)
	})
}

func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}

// PanicError carries a recovered worker panic and the stack it came from
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("worker panic: %v", e.Value)
}

// RecoveryInterceptor turns a panic raised further down the chain into a
// *PanicError. Without it a panic unwinds through the processor, which still
// stops the lease before re-panicking.
type RecoveryInterceptor struct {
	logger *slog.Logger
}

func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

func (i *RecoveryInterceptor) Intercept(ctx context.Context, worker Worker, queue contracts.QueueRef, delivery *contracts.Delivery, payload contracts.Payload, next Worker) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		perr := &PanicError{Value: r, Stack: debug.Stack()}
		i.logger.Error("worker panicked",
			"worker", WorkerName(worker),
			"queue", queue.Name,
			"messageIds", delivery.IDs(),
			"panic", r,
			"stack", string(perr.Stack),
		)
		err = perr
	}()

	return next.Perform(ctx, delivery, payload)
}

func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}
