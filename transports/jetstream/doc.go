// Package jetstream adapts NATS JetStream pull consumers to the worker
// runtime.
//
// A JetStream lease is the consumer's AckWait. [Transport] reads it with
// ConsumerInfo and renews it by sending an in-progress acknowledgement,
// which restarts the AckWait timer on the server. Queues are addressed with
// QueueRef.Address as the stream name and QueueRef.Group as the durable
// consumer name.
package jetstream
