package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/mmate-worker/contracts"
	"github.com/glimte/mmate-worker/interceptors"
	"github.com/glimte/mmate-worker/serialization"
)

// Worker performs the application work for a delivery
type Worker = interceptors.Worker

// WorkerFunc is a function adapter for Worker
type WorkerFunc = interceptors.WorkerFunc

// HandlerDescriptor is the resolved handler for a queue plus its options
type HandlerDescriptor struct {
	Name       string
	Worker     Worker
	BodyParser serialization.Selector

	// AutoVisibilityTimeout keeps the message lease alive while the worker runs
	AutoVisibilityTimeout bool

	// Batch accepts deliveries of more than one message
	Batch bool

	Interceptors *interceptors.InterceptorChain
}

// HandlerOption configures a handler descriptor
type HandlerOption func(*HandlerDescriptor)

// WithHandlerName overrides the worker name used in logs
func WithHandlerName(name string) HandlerOption {
	return func(d *HandlerDescriptor) {
		d.Name = name
	}
}

// WithBodyParser sets how message bodies are decoded
func WithBodyParser(selector serialization.Selector) HandlerOption {
	return func(d *HandlerDescriptor) {
		d.BodyParser = selector
	}
}

// WithAutoVisibilityTimeout enables lease renewal while the worker runs
func WithAutoVisibilityTimeout(enabled bool) HandlerOption {
	return func(d *HandlerDescriptor) {
		d.AutoVisibilityTimeout = enabled
	}
}

// WithBatch lets the worker receive batch deliveries
func WithBatch(enabled bool) HandlerOption {
	return func(d *HandlerDescriptor) {
		d.Batch = enabled
	}
}

// WithInterceptors sets the chain wrapping the worker
func WithInterceptors(chain *interceptors.InterceptorChain) HandlerOption {
	return func(d *HandlerDescriptor) {
		d.Interceptors = chain
	}
}

// NewHandlerDescriptor creates a descriptor with text decoding, no lease
// renewal and an empty chain
func NewHandlerDescriptor(worker Worker, opts ...HandlerOption) *HandlerDescriptor {
	d := &HandlerDescriptor{
		Worker:     worker,
		BodyParser: serialization.Text(),
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.Name == "" && worker != nil {
		d.Name = interceptors.WorkerName(worker)
	}

	return d
}

// Registry resolves the handler for a delivery
type Registry interface {
	ResolveHandler(ctx context.Context, queue contracts.QueueRef, delivery *contracts.Delivery) (*HandlerDescriptor, error)
}

// RegistryFunc is a function adapter for Registry
type RegistryFunc func(ctx context.Context, queue contracts.QueueRef, delivery *contracts.Delivery) (*HandlerDescriptor, error)

// ResolveHandler implements Registry
func (f RegistryFunc) ResolveHandler(ctx context.Context, queue contracts.QueueRef, delivery *contracts.Delivery) (*HandlerDescriptor, error) {
	return f(ctx, queue, delivery)
}

// HandlerRegistry keeps one handler per queue name
type HandlerRegistry struct {
	handlers map[string]*HandlerDescriptor
	mu       sync.RWMutex
	logger   *slog.Logger
}

// RegistryOption configures the HandlerRegistry
type RegistryOption func(*HandlerRegistry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *HandlerRegistry) {
		r.logger = logger
	}
}

// NewHandlerRegistry creates an empty registry
func NewHandlerRegistry(opts ...RegistryOption) *HandlerRegistry {
	r := &HandlerRegistry{
		handlers: make(map[string]*HandlerDescriptor),
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.logger == nil {
		r.logger = slog.Default()
	}

	return r
}

// RegisterWorker registers worker for queue
func (r *HandlerRegistry) RegisterWorker(queue string, worker Worker, opts ...HandlerOption) error {
	if queue == "" {
		return fmt.Errorf("queue cannot be empty")
	}
	if worker == nil {
		return fmt.Errorf("worker cannot be nil")
	}

	descriptor := NewHandlerDescriptor(worker, opts...)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.handlers[queue]; exists {
		return fmt.Errorf("queue %s already handled by %s", queue, existing.Name)
	}

	r.handlers[queue] = descriptor

	r.logger.Info("registered worker",
		"queue", queue,
		"worker", descriptor.Name,
		"bodyParser", descriptor.BodyParser.String(),
		"autoVisibilityTimeout", descriptor.AutoVisibilityTimeout,
		"batch", descriptor.Batch,
	)

	return nil
}

// UnregisterWorker removes the worker of queue
func (r *HandlerRegistry) UnregisterWorker(queue string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[queue]; !exists {
		return fmt.Errorf("%w: %s", contracts.ErrNoHandler, queue)
	}

	delete(r.handlers, queue)
	r.logger.Info("unregistered worker", "queue", queue)

	return nil
}

// Queues returns the registered queue names in sorted order
func (r *HandlerRegistry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	queues := make([]string, 0, len(r.handlers))
	for queue := range r.handlers {
		queues = append(queues, queue)
	}
	sort.Strings(queues)

	return queues
}

// ResolveHandler implements Registry
func (r *HandlerRegistry) ResolveHandler(ctx context.Context, queue contracts.QueueRef, delivery *contracts.Delivery) (*HandlerDescriptor, error) {
	r.mu.RLock()
	descriptor, exists := r.handlers[queue.Name]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", contracts.ErrNoHandler, queue.Name)
	}

	if delivery.IsBatch() && !descriptor.Batch {
		return nil, fmt.Errorf("worker %s on queue %s does not accept batches", descriptor.Name, queue.Name)
	}

	return descriptor, nil
}
