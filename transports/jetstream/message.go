package jetstream

import (
	"errors"
	"fmt"
	"strings"

	"github.com/glimte/mmate-worker/contracts"
	"github.com/nats-io/nats.go"
)

// SubjectAttribute holds the subject a message was published on.
const SubjectAttribute = "nats.subject"

// Message is a message fetched from a JetStream consumer.
type Message struct {
	*contracts.BaseMessage

	Msg          *nats.Msg
	Stream       string
	Consumer     string
	NumDelivered uint64
}

// FromMsg converts a fetched JetStream message. The message ID is the
// Nats-Msg-Id header when the publisher set one, the stream sequence
// otherwise. Headers become attributes, keeping the first value of each.
func FromMsg(msg *nats.Msg) (*Message, error) {
	if msg == nil {
		return nil, errors.New("nil NATS message")
	}

	meta, err := msg.Metadata()
	if err != nil {
		return nil, fmt.Errorf("message on %s is not a JetStream message: %w", msg.Subject, err)
	}

	id := msg.Header.Get(nats.MsgIdHdr)
	if id == "" {
		id = fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
	}

	m := &Message{
		BaseMessage:  contracts.NewBaseMessage(id, msg.Data),
		Msg:          msg,
		Stream:       meta.Stream,
		Consumer:     meta.Consumer,
		NumDelivered: meta.NumDelivered,
	}

	for k, v := range msg.Header {
		if len(v) > 0 && !strings.HasPrefix(k, "Nats-") {
			m.Attributes[k] = v[0]
		}
	}
	m.Attributes[SubjectAttribute] = msg.Subject

	return m, nil
}

// NewDelivery converts the result of a Fetch call. More than one message,
// or batch set to true, produces a batch delivery.
func NewDelivery(msgs []*nats.Msg, batch bool) (*contracts.Delivery, error) {
	converted := make([]contracts.Message, 0, len(msgs))

	for _, msg := range msgs {
		m, err := FromMsg(msg)
		if err != nil {
			return nil, err
		}
		converted = append(converted, m)
	}

	if len(converted) == 1 && !batch {
		return contracts.NewDelivery(converted[0]), nil
	}

	return contracts.NewBatchDelivery(converted...), nil
}

func asJetStreamMessage(msg contracts.Message) (*Message, error) {
	m, ok := msg.(*Message)
	if !ok || m == nil || m.Msg == nil {
		return nil, fmt.Errorf("message %T was not fetched from JetStream", msg)
	}
	return m, nil
}
