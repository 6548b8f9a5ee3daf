package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-worker/contracts"
)

// Worker is the handler sitting at the innermost position of a chain
type Worker interface {
	Perform(ctx context.Context, delivery *contracts.Delivery, payload contracts.Payload) error
}

type WorkerFunc func(ctx context.Context, delivery *contracts.Delivery, payload contracts.Payload) error

func (f WorkerFunc) Perform(ctx context.Context, delivery *contracts.Delivery, payload contracts.Payload) error {
	return f(ctx, delivery, payload)
}

// Interceptor wraps worker invocation. Calling next runs the rest of the
// chain and finally the worker; not calling it short-circuits.
type Interceptor interface {
	Intercept(ctx context.Context, worker Worker, queue contracts.QueueRef, delivery *contracts.Delivery, payload contracts.Payload, next Worker) error
	Name() string
}

// InterceptFunc is the signature of a function-based interceptor
type InterceptFunc func(ctx context.Context, worker Worker, queue contracts.QueueRef, delivery *contracts.Delivery, payload contracts.Payload, next Worker) error

// InterceptorFunc gives an InterceptFunc a name
type InterceptorFunc struct {
	name string
	fn   InterceptFunc
}

func NewInterceptorFunc(name string, fn InterceptFunc) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

func (i *InterceptorFunc) Intercept(ctx context.Context, worker Worker, queue contracts.QueueRef, delivery *contracts.Delivery, payload contracts.Payload, next Worker) error {
	return i.fn(ctx, worker, queue, delivery, payload, next)
}

func (i *InterceptorFunc) Name() string {
	return i.name
}

// WorkerName returns the worker's Name() when it has one, its type otherwise
func WorkerName(worker Worker) string {
	if named, ok := worker.(interface{ Name() string }); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", worker)
}

// InterceptorChain runs interceptors in registration order around a worker.
// A chain is meant to be assembled once at registration time and executed
// concurrently afterwards; Add is not safe to call during Execute.
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}
	return &InterceptorChain{logger: logger}
}

// Add appends interceptors to the chain. Nil entries are dropped.
func (c *InterceptorChain) Add(interceptors ...Interceptor) *InterceptorChain {
	for _, interceptor := range interceptors {
		if interceptor == nil {
			c.logger.Warn("ignoring nil interceptor", "position", len(c.interceptors))
			continue
		}
		c.interceptors = append(c.interceptors, interceptor)
	}
	return c
}

func (c *InterceptorChain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.interceptors)
}

// Names lists the interceptor names in execution order
func (c *InterceptorChain) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Execute runs the chain with worker innermost. Errors propagate outwards
// unless an interceptor handles them. A nil or empty chain runs the worker
// directly.
func (c *InterceptorChain) Execute(ctx context.Context, worker Worker, queue contracts.QueueRef, delivery *contracts.Delivery, payload contracts.Payload) error {
	if c.Len() == 0 {
		return worker.Perform(ctx, delivery, payload)
	}
	return link{interceptors: c.interceptors, worker: worker, queue: queue}.Perform(ctx, delivery, payload)
}

// link is the continuation handed to the interceptor at pos
type link struct {
	interceptors []Interceptor
	worker       Worker
	queue        contracts.QueueRef
	pos          int
}

func (l link) Perform(ctx context.Context, delivery *contracts.Delivery, payload contracts.Payload) error {
	if l.pos >= len(l.interceptors) {
		return l.worker.Perform(ctx, delivery, payload)
	}
	next := l
	next.pos++
	return l.interceptors[l.pos].Intercept(ctx, l.worker, l.queue, delivery, payload, next)
}
