package messaging

import (
	"context"
	"time"

	"github.com/glimte/mmate-worker/contracts"
)

// VisibilityTransport is the part of a queue service client needed to keep a
// message lease alive
type VisibilityTransport interface {
	// GetQueueVisibilityTimeout returns the lease duration V of the queue
	GetQueueVisibilityTimeout(ctx context.Context, queue contracts.QueueRef) (time.Duration, error)

	// SetMessageVisibility extends the lease of msg to timeout from now
	SetMessageVisibility(ctx context.Context, queue contracts.QueueRef, msg contracts.Message, timeout time.Duration) error
}

// Acknowledger settles messages with the queue service once processing ends
type Acknowledger interface {
	// Ack removes the message from the queue
	Ack(ctx context.Context, queue contracts.QueueRef, msg contracts.Message) error

	// Nack returns the message to the queue for redelivery
	Nack(ctx context.Context, queue contracts.QueueRef, msg contracts.Message) error
}

// RenewalObserver is told about every visibility renewal attempt
type RenewalObserver interface {
	RecordRenewal(queue string, success bool)
}
