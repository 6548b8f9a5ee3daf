package sqs

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/glimte/mmate-worker/contracts"
)

// Message is a message received from an SQS queue.
type Message struct {
	*contracts.BaseMessage

	ReceiptHandle string
	QueueURL      string
}

// FromSQS converts a received SQS message. System attributes and string or
// number message attributes end up in the message attributes, with message
// attributes taking precedence.
func FromSQS(queueURL string, m sqstypes.Message) *Message {
	msg := &Message{
		BaseMessage:   contracts.NewBaseMessage(aws.ToString(m.MessageId), []byte(aws.ToString(m.Body))),
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
		QueueURL:      queueURL,
	}

	for k, v := range m.Attributes {
		msg.Attributes[k] = v
	}

	for k, v := range m.MessageAttributes {
		if v.StringValue != nil {
			msg.Attributes[k] = *v.StringValue
		}
	}

	return msg
}

// NewDelivery converts the output of a ReceiveMessage call into a delivery.
// More than one message, or batch set to true, produces a batch delivery.
// visibilityTimeout, when positive, seeds the visibility deadline of every
// message.
func NewDelivery(queueURL string, messages []sqstypes.Message, batch bool, visibilityTimeout time.Duration) *contracts.Delivery {
	msgs := make([]contracts.Message, 0, len(messages))
	now := time.Now()

	for _, m := range messages {
		msg := FromSQS(queueURL, m)
		if visibilityTimeout > 0 {
			msg.SetVisibilityDeadline(now.Add(visibilityTimeout))
		}
		msgs = append(msgs, msg)
	}

	if len(msgs) == 1 && !batch {
		return contracts.NewDelivery(msgs[0])
	}

	return contracts.NewBatchDelivery(msgs...)
}

// ReceiveCount returns the ApproximateReceiveCount system attribute, or 0
// when it was not requested.
func (m *Message) ReceiveCount() int {
	n, err := strconv.Atoi(m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil {
		return 0
	}
	return n
}

func asSQSMessage(msg contracts.Message) (*Message, error) {
	m, ok := msg.(*Message)
	if !ok || m == nil {
		return nil, fmt.Errorf("message %T was not received from SQS", msg)
	}

	if m.ReceiptHandle == "" {
		return nil, fmt.Errorf("SQS message %s has no receipt handle", m.ID)
	}

	return m, nil
}
