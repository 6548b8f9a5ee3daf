package contracts

// Delivery is the unit handed to a processor: either a single message or an
// ordered batch of messages received together.
type Delivery struct {
	messages []Message
	batch    bool
}

// NewDelivery wraps a single message
func NewDelivery(msg Message) *Delivery {
	return &Delivery{messages: []Message{msg}}
}

// NewBatchDelivery wraps an ordered batch of messages
func NewBatchDelivery(msgs ...Message) *Delivery {
	batch := make([]Message, len(msgs))
	copy(batch, msgs)
	return &Delivery{messages: batch, batch: true}
}

// IsBatch reports whether the delivery was received as a batch
func (d *Delivery) IsBatch() bool {
	return d.batch
}

// Messages returns the messages in delivery order
func (d *Delivery) Messages() []Message {
	return d.messages
}

// First returns the first message, or nil for an empty batch
func (d *Delivery) First() Message {
	if len(d.messages) == 0 {
		return nil
	}
	return d.messages[0]
}

// Len returns the number of messages
func (d *Delivery) Len() int {
	return len(d.messages)
}

// IDs returns the message IDs in delivery order
func (d *Delivery) IDs() []string {
	ids := make([]string, len(d.messages))
	for i, msg := range d.messages {
		ids[i] = msg.GetID()
	}
	return ids
}
