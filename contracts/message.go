package contracts

import (
	"time"
)

// Message is a single message received from a queue service.
type Message interface {
	GetID() string
	GetBody() []byte
	GetAttributes() map[string]string
	GetReceivedAt() time.Time

	// VisibilityDeadline is the last known point in time at which the queue
	// service makes the message visible to other consumers again.
	VisibilityDeadline() time.Time
	SetVisibilityDeadline(deadline time.Time)
}

// QueueRef identifies a logical queue
type QueueRef struct {
	// Name is the logical queue name used for handler resolution
	Name string `json:"name"`
	// Address is the transport specific location: SQS queue URL,
	// JetStream stream name or Redis stream key
	Address string `json:"address,omitempty"`
	// Group is the JetStream durable consumer or Redis consumer group
	Group string `json:"group,omitempty"`
}

// NewQueueRef creates a queue reference with only a name
func NewQueueRef(name string) QueueRef {
	return QueueRef{Name: name}
}

// String returns the queue name
func (q QueueRef) String() string {
	return q.Name
}

// IsZero reports whether the reference has no name
func (q QueueRef) IsZero() bool {
	return q.Name == ""
}
