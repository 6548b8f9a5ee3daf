package messaging

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/glimte/mmate-worker/contracts"
)

// ExecutionUnit identifies one in-flight Process call so the owning pool can
// track it and interrupt it during a hard shutdown
type ExecutionUnit struct {
	SlotID     string
	ID         string
	Queue      contracts.QueueRef
	MessageIDs []string
	StartedAt  time.Time

	// Interrupt cancels the context the worker runs under
	Interrupt context.CancelFunc
}

// Coordinator owns a pool of processors. Implementations must not block:
// the processor notifies it from background goroutines and never waits. A
// slot's notifications arrive in the order of its Process calls.
type Coordinator interface {
	// ExecutionStarted is called when a Process call begins
	ExecutionStarted(unit ExecutionUnit)

	// ProcessorDone is called once after a delivery was handled successfully;
	// the slot may be handed new work
	ProcessorDone(queue contracts.QueueRef, slotID string)
}

// ExecutionEnder is implemented by coordinators that want to know when a
// Process call returned, whatever its outcome. The processor calls
// ExecutionEnded before ProcessorDone.
type ExecutionEnder interface {
	ExecutionEnded(unit ExecutionUnit)
}

// NopCoordinator ignores all notifications
type NopCoordinator struct{}

// ExecutionStarted does nothing
func (NopCoordinator) ExecutionStarted(ExecutionUnit) {}

// ProcessorDone does nothing
func (NopCoordinator) ProcessorDone(contracts.QueueRef, string) {}

// CoordinatorEventType distinguishes coordinator notifications
type CoordinatorEventType int

const (
	// EventExecutionStarted is emitted for ExecutionStarted
	EventExecutionStarted CoordinatorEventType = iota
	// EventProcessorDone is emitted for ProcessorDone
	EventProcessorDone
)

// String returns the event type name
func (t CoordinatorEventType) String() string {
	switch t {
	case EventExecutionStarted:
		return "execution_started"
	case EventProcessorDone:
		return "processor_done"
	default:
		return "unknown"
	}
}

// CoordinatorEvent is a notification received by ChannelCoordinator
type CoordinatorEvent struct {
	Type   CoordinatorEventType
	Unit   ExecutionUnit
	Queue  contracts.QueueRef
	SlotID string
}

// ChannelCoordinator turns notifications into events on a channel. A pool
// manager reads Events to learn when slots free up. Sends block only the
// notifying goroutine, never the processor, and are abandoned after Close.
type ChannelCoordinator struct {
	events chan CoordinatorEvent
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	mu sync.Mutex
	// inFlight is keyed by execution unit ID
	inFlight map[string]ExecutionUnit
}

// NewChannelCoordinator creates a coordinator with the given event buffer
func NewChannelCoordinator(buffer int, logger *slog.Logger) *ChannelCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer < 0 {
		buffer = 0
	}

	return &ChannelCoordinator{
		events:   make(chan CoordinatorEvent, buffer),
		done:     make(chan struct{}),
		logger:   logger,
		inFlight: make(map[string]ExecutionUnit),
	}
}

// Events returns the event channel
func (c *ChannelCoordinator) Events() <-chan CoordinatorEvent {
	return c.events
}

// ExecutionStarted implements Coordinator
func (c *ChannelCoordinator) ExecutionStarted(unit ExecutionUnit) {
	c.mu.Lock()
	c.inFlight[unit.ID] = unit
	c.mu.Unlock()

	c.send(CoordinatorEvent{Type: EventExecutionStarted, Unit: unit, Queue: unit.Queue, SlotID: unit.SlotID})
}

// ExecutionEnded implements ExecutionEnder. It only updates the in-flight
// set; no event is sent.
func (c *ChannelCoordinator) ExecutionEnded(unit ExecutionUnit) {
	c.mu.Lock()
	delete(c.inFlight, unit.ID)
	c.mu.Unlock()
}

// ProcessorDone implements Coordinator. Units still tracked for the slot are
// dropped from the in-flight set.
func (c *ChannelCoordinator) ProcessorDone(queue contracts.QueueRef, slotID string) {
	c.mu.Lock()
	maps.DeleteFunc(c.inFlight, func(_ string, unit ExecutionUnit) bool {
		return unit.SlotID == slotID
	})
	c.mu.Unlock()

	c.send(CoordinatorEvent{Type: EventProcessorDone, Queue: queue, SlotID: slotID})
}

// InFlight returns the units that started and have not ended
func (c *ChannelCoordinator) InFlight() []ExecutionUnit {
	c.mu.Lock()
	defer c.mu.Unlock()

	units := make([]ExecutionUnit, 0, len(c.inFlight))
	for _, unit := range c.inFlight {
		units = append(units, unit)
	}
	return units
}

// InterruptAll cancels every in-flight execution unit and returns how many
// were interrupted
func (c *ChannelCoordinator) InterruptAll() int {
	units := c.InFlight()
	for _, unit := range units {
		if unit.Interrupt != nil {
			c.logger.Warn("interrupting execution unit",
				"slotId", unit.SlotID,
				"executionId", unit.ID,
				"queue", unit.Queue.Name,
			)
			unit.Interrupt()
		}
	}
	return len(units)
}

// Close stops delivering events. Pending sends are dropped.
func (c *ChannelCoordinator) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *ChannelCoordinator) send(event CoordinatorEvent) {
	select {
	case c.events <- event:
	case <-c.done:
		c.logger.Debug("coordinator closed, dropping event",
			"event", event.Type.String(),
			"slotId", event.SlotID,
		)
	}
}
