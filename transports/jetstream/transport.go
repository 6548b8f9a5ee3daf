package jetstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-worker/contracts"
	"github.com/nats-io/nats.go"
)

// consumerInfoer is the part of nats.JetStreamContext the transport needs.
type consumerInfoer interface {
	ConsumerInfo(stream, name string, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
}

// Option configures a Transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithNakDelay makes Nack ask the server to wait before redelivering.
func WithNakDelay(delay time.Duration) Option {
	return func(t *Transport) {
		t.nakDelay = delay
	}
}

// Transport implements messaging.VisibilityTransport and
// messaging.Acknowledger for JetStream pull consumers.
type Transport struct {
	js       consumerInfoer
	logger   *slog.Logger
	nakDelay time.Duration

	mu       sync.Mutex
	ackWaits map[string]time.Duration
}

// NewTransport creates a transport on top of a JetStream context
func NewTransport(js nats.JetStreamContext, opts ...Option) (*Transport, error) {
	if js == nil {
		return nil, errors.New("JetStream context cannot be nil")
	}

	t := &Transport{
		js:       js,
		logger:   slog.Default(),
		ackWaits: make(map[string]time.Duration),
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("transport", "jetstream")

	return t, nil
}

// GetQueueVisibilityTimeout returns the AckWait of the durable consumer.
// The value is cached per stream and consumer.
func (t *Transport) GetQueueVisibilityTimeout(ctx context.Context, queue contracts.QueueRef) (time.Duration, error) {
	if queue.Address == "" || queue.Group == "" {
		return 0, fmt.Errorf("queue %s needs a stream and a durable consumer", queue.Name)
	}

	key := queue.Address + "/" + queue.Group

	t.mu.Lock()
	ackWait, ok := t.ackWaits[key]
	t.mu.Unlock()

	if ok {
		return ackWait, nil
	}

	info, err := t.js.ConsumerInfo(queue.Address, queue.Group, nats.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("failed to get consumer info for %s: %w", key, err)
	}

	ackWait = info.Config.AckWait
	if ackWait <= 0 {
		return 0, fmt.Errorf("consumer %s has no ack wait", key)
	}

	t.mu.Lock()
	t.ackWaits[key] = ackWait
	t.mu.Unlock()

	return ackWait, nil
}

// SetMessageVisibility restarts the AckWait timer of msg. JetStream always
// renews for the consumer's full AckWait, so timeout is only logged.
func (t *Transport) SetMessageVisibility(ctx context.Context, queue contracts.QueueRef, msg contracts.Message, timeout time.Duration) error {
	m, err := asJetStreamMessage(msg)
	if err != nil {
		return err
	}

	if err := m.Msg.InProgress(nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to mark message %s in progress: %w", m.ID, err)
	}

	t.logger.Debug("JetStream message marked in progress", "messageId", m.ID, "queue", queue.Name, "visibilityTimeout", timeout)

	return nil
}

// Ack acknowledges the message and waits for the server to confirm it.
func (t *Transport) Ack(ctx context.Context, queue contracts.QueueRef, msg contracts.Message) error {
	m, err := asJetStreamMessage(msg)
	if err != nil {
		return err
	}

	if err := m.Msg.AckSync(nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to ack message %s: %w", m.ID, err)
	}

	return nil
}

// Nack asks the server to redeliver the message.
func (t *Transport) Nack(ctx context.Context, queue contracts.QueueRef, msg contracts.Message) error {
	m, err := asJetStreamMessage(msg)
	if err != nil {
		return err
	}

	if t.nakDelay > 0 {
		err = m.Msg.NakWithDelay(t.nakDelay, nats.Context(ctx))
	} else {
		err = m.Msg.Nak(nats.Context(ctx))
	}

	if err != nil {
		return fmt.Errorf("failed to nak message %s: %w", m.ID, err)
	}

	t.logger.Debug("JetStream message nacked", "messageId", m.ID, "queue", queue.Name)

	return nil
}
