package contracts

import (
	"sync"
	"time"
)

// BaseMessage provides the common fields for transport messages
type BaseMessage struct {
	ID         string            `json:"id"`
	Body       []byte            `json:"body"`
	Attributes map[string]string `json:"attributes,omitempty"`
	ReceivedAt time.Time         `json:"receivedAt"`

	mu       sync.RWMutex
	deadline time.Time
}

// NewBaseMessage creates a new base message received now
func NewBaseMessage(id string, body []byte) *BaseMessage {
	return &BaseMessage{
		ID:         id,
		Body:       body,
		Attributes: make(map[string]string),
		ReceivedAt: time.Now().UTC(),
	}
}

// GetID returns the message ID
func (m *BaseMessage) GetID() string {
	return m.ID
}

// GetBody returns the raw message body
func (m *BaseMessage) GetBody() []byte {
	return m.Body
}

// GetAttributes returns the message attributes
func (m *BaseMessage) GetAttributes() map[string]string {
	return m.Attributes
}

// GetReceivedAt returns the time the message was received
func (m *BaseMessage) GetReceivedAt() time.Time {
	return m.ReceivedAt
}

// VisibilityDeadline returns the current visibility deadline
func (m *BaseMessage) VisibilityDeadline() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deadline
}

// SetVisibilityDeadline records a new visibility deadline
func (m *BaseMessage) SetVisibilityDeadline(deadline time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadline = deadline
}
