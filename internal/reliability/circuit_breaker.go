package reliability

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips on consecutive worker failures. It implements
// interceptors.CircuitBreaker.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	successes    int
	trials       int
	openedAt     time.Time
	totalRuns    int64
	totalRejects int64

	name             string
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	halfOpenTrials   int
	counts           func(error) bool
	now              func() time.Time
	logger           *slog.Logger
}

// Option configures the circuit breaker
type Option func(*CircuitBreaker)

// WithName sets the name used in errors and logs, usually the queue name
func WithName(name string) Option {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithFailureThreshold sets how many consecutive failures open the breaker
func WithFailureThreshold(threshold int) Option {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets how many trial successes close the breaker
func WithSuccessThreshold(threshold int) Option {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithOpenTimeout sets how long the breaker stays open before trials start
func WithOpenTimeout(timeout time.Duration) Option {
	return func(cb *CircuitBreaker) {
		cb.openTimeout = timeout
	}
}

// WithHalfOpenTrials sets how many deliveries may run at once while half-open
func WithHalfOpenTrials(n int) Option {
	return func(cb *CircuitBreaker) {
		cb.halfOpenTrials = n
	}
}

// WithFailureFilter decides which errors count as failures. By default
// cancellations are ignored, since an interrupted worker says nothing about
// the downstream it talks to.
func WithFailureFilter(counts func(error) bool) Option {
	return func(cb *CircuitBreaker) {
		cb.counts = counts
	}
}

// WithLogger sets the logger for state changes
func WithLogger(logger *slog.Logger) Option {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		name:             "default",
		failureThreshold: 5,
		successThreshold: 2,
		openTimeout:      30 * time.Second,
		halfOpenTrials:   1,
		counts:           countsAsFailure,
		now:              time.Now,
	}

	for _, opt := range opts {
		opt(cb)
	}

	if cb.logger == nil {
		cb.logger = slog.Default()
	}
	if cb.counts == nil {
		cb.counts = countsAsFailure
	}
	cb.failureThreshold = max(cb.failureThreshold, 1)
	cb.successThreshold = max(cb.successThreshold, 1)
	cb.halfOpenTrials = max(cb.halfOpenTrials, 1)

	return cb
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Execute runs fn unless the breaker rejects it with an *OpenError
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		cb.release()
		return err
	}

	err := fn()
	cb.record(err)
	return err
}

// State returns the current state, moving an expired open breaker to half-open
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && !cb.now().Before(cb.openedAt.Add(cb.openTimeout)) {
		cb.transition(StateHalfOpen, "open timeout expired")
	}
	return cb.state
}

// Stats is a snapshot of breaker counters
type Stats struct {
	Name         string
	State        State
	Failures     int
	TotalRuns    int64
	TotalRejects int64
	OpenedAt     time.Time
}

// Stats returns the breaker counters
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:         cb.name,
		State:        cb.state,
		Failures:     cb.failures,
		TotalRuns:    cb.totalRuns,
		TotalRejects: cb.totalRejects,
		OpenedAt:     cb.openedAt,
	}
}

// Reset closes the breaker and clears its counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(StateClosed, "reset")
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		nextRetry := cb.openedAt.Add(cb.openTimeout)
		if cb.now().Before(nextRetry) {
			cb.totalRejects++
			return &OpenError{Name: cb.name, State: StateOpen, Failures: cb.failures, NextRetry: nextRetry}
		}
		cb.transition(StateHalfOpen, "open timeout expired")
	}

	if cb.state == StateHalfOpen {
		if cb.trials >= cb.halfOpenTrials {
			cb.totalRejects++
			return &OpenError{Name: cb.name, State: StateHalfOpen, Failures: cb.failures}
		}
		cb.trials++
	}

	cb.totalRuns++
	return nil
}

// release returns a half-open trial slot that never ran
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.trials > 0 {
		cb.trials--
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.trials > 0 {
		cb.trials--
	}

	if err != nil && cb.counts(err) {
		cb.failures++
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.transition(StateOpen, "failure threshold reached")
			}
		case StateHalfOpen:
			cb.transition(StateOpen, "trial failed")
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.transition(StateClosed, "trials succeeded")
		}
	}
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to State, reason string) {
	from := cb.state
	cb.state = to
	cb.successes = 0
	cb.trials = 0

	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures = 0
	}

	if from != to {
		cb.logger.Warn("circuit breaker state changed",
			"breaker", cb.name,
			"from", from.String(),
			"to", to.String(),
			"reason", reason,
		)
	}
}
