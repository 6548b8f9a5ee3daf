package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/glimte/mmate-worker/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Attribute keys for AMQP properties copied onto a Message
const (
	AttrRoutingKey    = "amqp.routingKey"
	AttrExchange      = "amqp.exchange"
	AttrContentType   = "amqp.contentType"
	AttrCorrelationID = "amqp.correlationId"
	AttrType          = "amqp.type"
	AttrRedelivered   = "amqp.redelivered"
)

// Message adapts an amqp.Delivery
type Message struct {
	*contracts.BaseMessage

	Delivery amqp.Delivery
}

// FromDelivery converts a consumed delivery. The message ID is the AMQP
// message-id property, or the delivery tag when the publisher left it
// empty. Headers and selected properties become attributes.
func FromDelivery(d amqp.Delivery) *Message {
	id := d.MessageId
	if id == "" {
		id = strconv.FormatUint(d.DeliveryTag, 10)
	}

	msg := &Message{
		BaseMessage: contracts.NewBaseMessage(id, d.Body),
		Delivery:    d,
	}

	for k, v := range d.Headers {
		msg.Attributes[k] = fmt.Sprint(v)
	}

	setIfPresent(msg.Attributes, AttrRoutingKey, d.RoutingKey)
	setIfPresent(msg.Attributes, AttrExchange, d.Exchange)
	setIfPresent(msg.Attributes, AttrContentType, d.ContentType)
	setIfPresent(msg.Attributes, AttrCorrelationID, d.CorrelationId)
	setIfPresent(msg.Attributes, AttrType, d.Type)
	msg.Attributes[AttrRedelivered] = strconv.FormatBool(d.Redelivered)

	return msg
}

// NewDelivery converts deliveries consumed together. More than one delivery,
// or batch set to true, produces a batch delivery.
func NewDelivery(deliveries []amqp.Delivery, batch bool) *contracts.Delivery {
	msgs := make([]contracts.Message, len(deliveries))
	for i, d := range deliveries {
		msgs[i] = FromDelivery(d)
	}

	if len(msgs) == 1 && !batch {
		return contracts.NewDelivery(msgs[0])
	}

	return contracts.NewBatchDelivery(msgs...)
}

func setIfPresent(attrs map[string]string, key, value string) {
	if value != "" {
		attrs[key] = value
	}
}

// TransportOption configures the transport
type TransportOption func(*Transport)

// WithRequeueOnNack controls whether nacked messages go back to the queue.
// With requeue disabled the broker dead-letters or drops them according to
// the queue arguments. Default: true.
func WithRequeueOnNack(enabled bool) TransportOption {
	return func(t *Transport) {
		t.requeue = enabled
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// Transport settles RabbitMQ deliveries. It implements messaging.Acknowledger
// and messaging.VisibilityTransport, but AMQP has no lease to extend: an
// unacknowledged delivery stays with its consumer until the channel closes,
// so the visibility calls report contracts.ErrVisibilityUnsupported.
type Transport struct {
	requeue bool
	logger  *slog.Logger
}

// NewTransport creates a new transport
func NewTransport(options ...TransportOption) *Transport {
	t := &Transport{
		requeue: true,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(t)
	}

	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("transport", "rabbitmq")

	return t
}

// GetQueueVisibilityTimeout implements messaging.VisibilityTransport
func (t *Transport) GetQueueVisibilityTimeout(ctx context.Context, queue contracts.QueueRef) (time.Duration, error) {
	return 0, contracts.ErrVisibilityUnsupported
}

// SetMessageVisibility implements messaging.VisibilityTransport
func (t *Transport) SetMessageVisibility(ctx context.Context, queue contracts.QueueRef, msg contracts.Message, timeout time.Duration) error {
	return contracts.ErrVisibilityUnsupported
}

// Ack acknowledges a single delivery
func (t *Transport) Ack(ctx context.Context, queue contracts.QueueRef, msg contracts.Message) error {
	m, err := asAMQPMessage(msg)
	if err != nil {
		return err
	}

	if err := m.Delivery.Ack(false); err != nil {
		return fmt.Errorf("failed to ack delivery %d: %w", m.Delivery.DeliveryTag, err)
	}

	return nil
}

// Nack rejects a single delivery
func (t *Transport) Nack(ctx context.Context, queue contracts.QueueRef, msg contracts.Message) error {
	m, err := asAMQPMessage(msg)
	if err != nil {
		return err
	}

	if err := m.Delivery.Nack(false, t.requeue); err != nil {
		return fmt.Errorf("failed to nack delivery %d: %w", m.Delivery.DeliveryTag, err)
	}

	t.logger.Debug("delivery rejected", "messageId", m.ID, "queue", queue.Name, "requeue", t.requeue)

	return nil
}

func asAMQPMessage(msg contracts.Message) (*Message, error) {
	m, ok := msg.(*Message)
	if !ok || m == nil {
		return nil, fmt.Errorf("message %T was not consumed from RabbitMQ", msg)
	}
	return m, nil
}
