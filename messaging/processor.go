package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-worker/contracts"
	"github.com/glimte/mmate-worker/serialization"
)

// Processor handles one delivery at a time for a single pool slot. Calls to
// Process on the same Processor are serialized.
type Processor struct {
	slotID      string
	registry    Registry
	coordinator Coordinator
	parser      *serialization.BodyParser
	logger      *slog.Logger

	newExtender func() LeaseExtender
	extender    LeaseExtender

	mu sync.Mutex
	// notified is closed once the previous Process call sent its last
	// coordinator notification
	notified chan struct{}
}

// ProcessorOption configures the Processor
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the logger
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithCoordinator sets the coordinator notified about executions
func WithCoordinator(coordinator Coordinator) ProcessorOption {
	return func(p *Processor) {
		p.coordinator = coordinator
	}
}

// WithSlotID sets the slot identity instead of a generated one
func WithSlotID(slotID string) ProcessorOption {
	return func(p *Processor) {
		p.slotID = slotID
	}
}

// WithVisibilityTransport enables lease renewal through transport. The
// extender is created on first use and reused for later deliveries.
func WithVisibilityTransport(transport VisibilityTransport, opts ...ExtenderOption) ProcessorOption {
	return func(p *Processor) {
		p.newExtender = func() LeaseExtender {
			all := append([]ExtenderOption{WithExtenderLogger(p.logger)}, opts...)
			return NewVisibilityExtender(transport, all...)
		}
	}
}

// WithLeaseExtender uses extender for lease renewal
func WithLeaseExtender(extender LeaseExtender) ProcessorOption {
	return func(p *Processor) {
		p.newExtender = func() LeaseExtender {
			return extender
		}
	}
}

// NewProcessor creates a processor for one slot
func NewProcessor(registry Registry, opts ...ProcessorOption) (*Processor, error) {
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}

	p := &Processor{
		slotID:      uuid.NewString(),
		registry:    registry,
		coordinator: NopCoordinator{},
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.coordinator == nil {
		p.coordinator = NopCoordinator{}
	}
	p.parser = serialization.NewBodyParser(p.logger)

	return p, nil
}

// SlotID returns the slot identity reported to the coordinator
func (p *Processor) SlotID() string {
	return p.slotID
}

// Process runs the worker registered for queue on delivery. Lease renewal,
// when enabled for the worker, is stopped before Process returns on every
// path. The coordinator learns that the slot is free only after success.
// Notifications of consecutive calls reach the coordinator in call order.
// Errors are *contracts.ResolutionError or *contracts.HandlerError.
func (p *Processor) Process(ctx context.Context, queue contracts.QueueRef, delivery *contracts.Delivery) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unit := ExecutionUnit{
		SlotID:    p.slotID,
		ID:        uuid.NewString(),
		Queue:     queue,
		StartedAt: time.Now(),
		Interrupt: cancel,
	}
	if delivery != nil {
		unit.MessageIDs = delivery.IDs()
	}

	prev := p.notified
	notified := make(chan struct{})
	p.notified = notified

	started := make(chan struct{})
	go func() {
		defer close(started)
		if prev != nil {
			<-prev
		}
		p.coordinator.ExecutionStarted(unit)
	}()

	succeeded := false
	defer func() {
		go func() {
			defer close(notified)
			<-started
			if ender, ok := p.coordinator.(ExecutionEnder); ok {
				ender.ExecutionEnded(unit)
			}
			if succeeded {
				p.coordinator.ProcessorDone(queue, p.slotID)
			}
		}()
	}()

	if delivery == nil || delivery.Len() == 0 {
		return &contracts.ResolutionError{
			Queue: queue.Name,
			Err:   errors.New("empty delivery"),
		}
	}

	descriptor, err := p.registry.ResolveHandler(ctx, queue, delivery)
	if err == nil && (descriptor == nil || descriptor.Worker == nil) {
		err = contracts.ErrNoHandler
	}
	if err != nil {
		return &contracts.ResolutionError{
			Queue:      queue.Name,
			MessageIDs: unit.MessageIDs,
			Err:        err,
		}
	}

	if descriptor.AutoVisibilityTimeout {
		if lease := p.startLease(ctx, queue, delivery, descriptor); lease != nil {
			lease = &onceLease{lease: lease}
			defer lease.Stop()
			ctx = context.WithValue(ctx, leaseKey{}, lease)
		}
	}

	payload := p.parser.ParseDelivery(descriptor.BodyParser, delivery)

	if err := descriptor.Interceptors.Execute(ctx, descriptor.Worker, queue, delivery, payload); err != nil {
		return &contracts.HandlerError{
			Queue:      queue.Name,
			Worker:     descriptor.Name,
			MessageIDs: unit.MessageIDs,
			Err:        err,
		}
	}

	succeeded = true
	return nil
}

func (p *Processor) startLease(ctx context.Context, queue contracts.QueueRef, delivery *contracts.Delivery, descriptor *HandlerDescriptor) Lease {
	if p.extender == nil && p.newExtender != nil {
		p.extender = p.newExtender()
	}

	if p.extender == nil {
		p.logger.Error("auto visibility timeout enabled without a visibility transport",
			"worker", descriptor.Name,
			"queue", queue.Name,
		)
		return nil
	}

	lease, err := p.extender.Extend(ctx, queue, delivery, descriptor.Name)
	if err != nil {
		p.logger.Error("could not start visibility renewal",
			"worker", descriptor.Name,
			"queue", queue.Name,
			"messageIds", delivery.IDs(),
			"error", err,
		)
		return nil
	}

	return lease
}

type leaseKey struct{}

// StopLease stops the lease renewal of the delivery processed under ctx. Call
// it before settling messages by hand, so that no renewal reaches the queue
// service after an ack or nack. It is a no-op when no lease is running and
// may be called more than once.
func StopLease(ctx context.Context) {
	if lease, ok := ctx.Value(leaseKey{}).(Lease); ok {
		lease.Stop()
	}
}

type onceLease struct {
	lease Lease
	once  sync.Once
}

func (l *onceLease) Stop() {
	l.once.Do(l.lease.Stop)
}
