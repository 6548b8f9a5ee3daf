// Package contracts provides the core types shared by the processing pipeline.
//
// This package defines:
//   - QueueRef: identifies a logical queue
//   - Message: a single message received from a queue service
//   - Delivery: one message or an ordered batch handed to a processor
//   - Payload: decoded message bodies, aligned with the delivery
//   - the error taxonomy (DecodeError, RenewalError, RenewalConfigurationError,
//     HandlerError, ResolutionError)
//
// Transport adapters embed BaseMessage in their own message types so that the
// visibility deadline can be tracked independently of the wire format.
package contracts
