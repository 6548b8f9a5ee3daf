// Package messaging processes single deliveries for a pool of queue consumers.
//
// A Processor belongs to one pool slot. For each delivery it resolves the
// worker registered for the queue, keeps the message lease alive while the
// worker runs, decodes the body with the worker's body parser and runs the
// worker inside its interceptor chain. The owning Coordinator is told when an
// execution starts and, only after success, that the slot is free again.
//
// Key types:
//   - Processor: runs one delivery at a time for a slot
//   - HandlerRegistry: one HandlerDescriptor per queue name
//   - VisibilityExtender: timer-driven lease renewal through a VisibilityTransport
//   - ChannelCoordinator: delivers coordinator notifications on a channel
//   - AcknowledgingInterceptor: settles messages once the worker returns
//
// Example usage:
//
//	registry := messaging.NewHandlerRegistry()
//	_ = registry.RegisterWorker("images", resizeWorker,
//		messaging.WithBodyParser(serialization.JSON()),
//		messaging.WithAutoVisibilityTimeout(true),
//	)
//
//	processor, _ := messaging.NewProcessor(registry,
//		messaging.WithVisibilityTransport(sqsTransport),
//		messaging.WithCoordinator(coordinator),
//	)
//
//	err := processor.Process(ctx, queue, contracts.NewDelivery(msg))
package messaging
