// Package interceptors provides the middleware chain that wraps worker invocation.
//
// An interceptor receives the worker, the queue, the raw delivery, the decoded
// payload and a next continuation. Calling next runs the rest of the chain and
// finally the worker. Not calling it short-circuits; whatever the interceptor
// returns becomes the outcome of the invocation.
//
// Built-in interceptors:
//   - RecoveryInterceptor: Converts worker panics into *PanicError
//   - LoggingInterceptor: Logs worker invocations with timing and enriched values
//   - MetricsInterceptor: Collects per-queue counts, durations and error types
//   - ValidationInterceptor: Validates decoded payloads before the worker runs
//   - TimeoutInterceptor: Bounds worker execution time
//   - ErrorHandlingInterceptor: Translates or swallows worker errors
//   - CircuitBreakerInterceptor: Delegates to a circuit breaker
//   - ContextEnrichmentInterceptor: Stores per-delivery values for logging
//   - FilteringInterceptor: Skips deliveries rejected by a MessageFilter
//   - ShortCircuitInterceptor, ShortCircuitOnErrorInterceptor: Stop the chain on demand
//   - DuplicateDetectionInterceptor: Skips deliveries already processed
//
// Example usage:
//
//	chain := interceptors.NewInterceptorChain(logger).Add(
//		interceptors.NewRecoveryInterceptor(logger),
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewMetricsInterceptor(collector),
//		interceptors.NewTimeoutInterceptor(30*time.Second),
//	)
//
//	err := chain.Execute(ctx, worker, queue, delivery, payload)
//
// Interceptors are executed in the order they are added to the chain, with the
// worker being called last.
package interceptors
