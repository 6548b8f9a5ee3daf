// Package redisstream adapts Redis stream consumer groups to the worker
// runtime.
//
// Redis has no per message lease. An entry delivered to a consumer stays in
// the group's pending list, and other consumers reclaim it once it has been
// idle for longer than their claim-idle threshold. [Transport] treats that
// threshold as the visibility timeout and renews a lease by claiming the
// entry again with a zero minimum idle time, which resets its idle counter.
//
// Queues are addressed with QueueRef.Address as the stream key and
// QueueRef.Group as the consumer group.
package redisstream
