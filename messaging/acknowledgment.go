package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-worker/contracts"
	"github.com/glimte/mmate-worker/interceptors"
)

// AcknowledgmentStrategy defines how messages are settled after the worker runs
type AcknowledgmentStrategy int

const (
	// AckOnSuccess acks on success and nacks on failure
	AckOnSuccess AcknowledgmentStrategy = iota
	// AckAlways acks regardless of the worker result
	AckAlways
	// AckManual leaves settlement to the worker, which should call StopLease
	// first
	AckManual
)

// String returns the strategy name
func (s AcknowledgmentStrategy) String() string {
	switch s {
	case AckOnSuccess:
		return "ack_on_success"
	case AckAlways:
		return "ack_always"
	case AckManual:
		return "manual"
	default:
		return fmt.Sprintf("AcknowledgmentStrategy(%d)", int(s))
	}
}

// AcknowledgingInterceptor settles every message of a delivery with the queue
// service once the rest of the chain returns. Register it first so it sees
// the final outcome. Lease renewal for the delivery is stopped before any
// message is settled.
type AcknowledgingInterceptor struct {
	acker    Acknowledger
	strategy AcknowledgmentStrategy
	logger   *slog.Logger
}

// AckOption configures the acknowledging interceptor
type AckOption func(*AcknowledgingInterceptor)

// WithAckStrategy sets the acknowledgment strategy
func WithAckStrategy(strategy AcknowledgmentStrategy) AckOption {
	return func(i *AcknowledgingInterceptor) {
		i.strategy = strategy
	}
}

// WithAckLogger sets the logger
func WithAckLogger(logger *slog.Logger) AckOption {
	return func(i *AcknowledgingInterceptor) {
		i.logger = logger
	}
}

// NewAcknowledgingInterceptor creates a new acknowledging interceptor
func NewAcknowledgingInterceptor(acker Acknowledger, opts ...AckOption) *AcknowledgingInterceptor {
	i := &AcknowledgingInterceptor{
		acker:    acker,
		strategy: AckOnSuccess,
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(i)
	}

	if i.logger == nil {
		i.logger = slog.Default()
	}

	return i
}

// Intercept implements interceptors.Interceptor
func (i *AcknowledgingInterceptor) Intercept(ctx context.Context, worker interceptors.Worker, queue contracts.QueueRef, delivery *contracts.Delivery, payload contracts.Payload, next interceptors.Worker) error {
	err := next.Perform(ctx, delivery, payload)

	if i.strategy != AckManual {
		StopLease(ctx)
	}

	switch i.strategy {
	case AckAlways:
		if ackErr := i.settle(ctx, queue, delivery, true); ackErr != nil && err == nil {
			return ackErr
		}
		return err

	case AckOnSuccess:
		if err != nil {
			_ = i.settle(ctx, queue, delivery, false)
			return err
		}
		return i.settle(ctx, queue, delivery, true)

	case AckManual:
		return err

	default:
		return fmt.Errorf("unknown acknowledgment strategy: %v", i.strategy)
	}
}

// Name implements interceptors.Interceptor
func (i *AcknowledgingInterceptor) Name() string {
	return "AcknowledgingInterceptor"
}

func (i *AcknowledgingInterceptor) settle(ctx context.Context, queue contracts.QueueRef, delivery *contracts.Delivery, ack bool) error {
	var firstErr error

	for _, msg := range delivery.Messages() {
		var err error
		if ack {
			err = i.acker.Ack(ctx, queue, msg)
		} else {
			err = i.acker.Nack(ctx, queue, msg)
		}
		if err == nil {
			continue
		}

		action := "ack"
		if !ack {
			action = "nack"
		}
		i.logger.Error("failed to settle message",
			"action", action,
			"queue", queue.Name,
			"messageId", msg.GetID(),
			"error", err,
		)
		if firstErr == nil {
			firstErr = fmt.Errorf("failed to %s message %s: %w", action, msg.GetID(), err)
		}
	}

	return firstErr
}
