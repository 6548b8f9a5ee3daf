package redisstream

import (
	"encoding/json"
	"fmt"

	"github.com/glimte/mmate-worker/contracts"
	"github.com/redis/go-redis/v9"
)

// Message is an entry read from a Redis stream.
type Message struct {
	*contracts.BaseMessage

	Stream string
}

// FromXMessage converts a stream entry. The value of bodyField becomes the
// body and the remaining fields become attributes. With an empty bodyField,
// or when the entry has no such field, the body is the JSON encoding of all
// fields.
func FromXMessage(stream string, m redis.XMessage, bodyField string) (*Message, error) {
	var body []byte

	raw, ok := m.Values[bodyField]
	if bodyField != "" && ok {
		body = []byte(fieldString(raw))
	} else {
		encoded, err := json.Marshal(m.Values)
		if err != nil {
			return nil, fmt.Errorf("failed to encode fields of entry %s: %w", m.ID, err)
		}
		body = encoded
	}

	msg := &Message{
		BaseMessage: contracts.NewBaseMessage(m.ID, body),
		Stream:      stream,
	}

	for k, v := range m.Values {
		if k == bodyField {
			continue
		}
		msg.Attributes[k] = fieldString(v)
	}

	return msg, nil
}

// NewDelivery converts the entries of one stream returned by XREADGROUP or
// XCLAIM. More than one entry, or batch set to true, produces a batch
// delivery.
func NewDelivery(stream string, entries []redis.XMessage, bodyField string, batch bool) (*contracts.Delivery, error) {
	msgs := make([]contracts.Message, 0, len(entries))

	for _, entry := range entries {
		msg, err := FromXMessage(stream, entry, bodyField)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}

	if len(msgs) == 1 && !batch {
		return contracts.NewDelivery(msgs[0]), nil
	}

	return contracts.NewBatchDelivery(msgs...), nil
}

func fieldString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprint(v)
	}
}
