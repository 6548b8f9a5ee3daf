// Package reliability holds the circuit breaker placed in front of workers.
//
// A breaker opens after a run of consecutive worker failures on a queue and
// then rejects deliveries without running the worker, so a broken downstream
// is not hammered while messages pile up. Rejected deliveries fail like any
// other handler error and go back to the queue when settlement is enabled.
// After the open timeout a limited number of trial deliveries decide whether
// the breaker closes again.
//
//	cb := reliability.NewCircuitBreaker(
//	    reliability.WithName("images"),
//	    reliability.WithFailureThreshold(5),
//	    reliability.WithOpenTimeout(30*time.Second),
//	)
//	chain.Add(interceptors.NewCircuitBreakerInterceptor(cb))
package reliability
