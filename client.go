// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/glimte/mmate-worker/interceptors"
	"github.com/glimte/mmate-worker/internal/reliability"
	"github.com/glimte/mmate-worker/messaging"
	"github.com/glimte/mmate-worker/monitor"
)

// Client wires the pieces a worker pool needs around its processors: one
// handler registry, a coordinator reporting slot state and the queue
// transport used for lease renewal and settlement.
type Client struct {
	registry    *messaging.HandlerRegistry
	coordinator *messaging.ChannelCoordinator
	metrics     *monitor.SimpleMetricsCollector
	health      *monitor.Registry

	transport    messaging.VisibilityTransport
	acker        messaging.Acknowledger
	extenderOpts []messaging.ExtenderOption
	interceptors []interceptors.Interceptor
	breaker      *breakerConfig
	logger       *slog.Logger

	mu     sync.Mutex
	slots  int
	closed bool
}

// NewClient creates a client. Without a transport, processors run workers
// without lease renewal or settlement.
func NewClient(options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		coordinatorBuffer:   64,
		maxInFlightAge:      15 * time.Minute,
		renewalFailureRatio: 0.5,
		renewalMinSample:    10,
	}

	for _, opt := range options {
		opt(cfg)
	}

	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.coordinatorBuffer < 0 {
		return nil, errors.New("coordinator buffer cannot be negative")
	}
	if cfg.renewalFailureRatio <= 0 || cfg.renewalFailureRatio > 1 {
		return nil, errors.New("renewal failure ratio must be in (0, 1]")
	}

	acker := cfg.acker
	if acker == nil {
		if a, ok := cfg.transport.(messaging.Acknowledger); ok {
			acker = a
		}
	}
	if cfg.manualSettlement {
		acker = nil
	}

	c := &Client{
		registry:     messaging.NewHandlerRegistry(messaging.WithRegistryLogger(cfg.logger)),
		coordinator:  messaging.NewChannelCoordinator(cfg.coordinatorBuffer, cfg.logger),
		metrics:      monitor.NewSimpleMetricsCollector(),
		health:       monitor.NewRegistry(),
		transport:    cfg.transport,
		acker:        acker,
		extenderOpts: cfg.extenderOpts,
		interceptors: cfg.interceptors,
		breaker:      cfg.breaker,
		logger:       cfg.logger,
	}

	c.health.Register(monitor.NewInFlightChecker(c.coordinator, cfg.maxInFlightAge))
	c.health.Register(monitor.NewRenewalChecker(c.metrics, cfg.renewalFailureRatio, cfg.renewalMinSample))
	if cfg.serviceName != "" {
		c.health.SetMetadata("service", cfg.serviceName)
	}

	return c, nil
}

// RegisterWorker registers worker for queue. Unless opts carry their own
// chain, the worker runs behind the client's default chain. In order it
// holds metrics, settlement when an acknowledger is configured, the queue's
// circuit breaker when enabled and any interceptors added with
// WithInterceptor.
func (c *Client) RegisterWorker(queue string, worker messaging.Worker, opts ...messaging.HandlerOption) error {
	all := append([]messaging.HandlerOption{messaging.WithInterceptors(c.defaultChain(queue))}, opts...)
	return c.registry.RegisterWorker(queue, worker, all...)
}

func (c *Client) defaultChain(queue string) *interceptors.InterceptorChain {
	chain := interceptors.NewInterceptorChain(c.logger).
		Add(interceptors.NewMetricsInterceptor(c.metrics))

	if c.acker != nil {
		chain.Add(messaging.NewAcknowledgingInterceptor(c.acker, messaging.WithAckLogger(c.logger)))
	}
	if c.breaker != nil {
		chain.Add(interceptors.NewCircuitBreakerInterceptor(reliability.NewCircuitBreaker(
			reliability.WithName(queue),
			reliability.WithFailureThreshold(c.breaker.failureThreshold),
			reliability.WithOpenTimeout(c.breaker.openTimeout),
			reliability.WithLogger(c.logger),
		)))
	}
	for _, interceptor := range c.interceptors {
		chain.Add(interceptor)
	}

	return chain
}

// NewProcessor creates the processor for one pool slot. opts are applied
// after the client's own, so they can override the coordinator or the
// lease extender.
func (c *Client) NewProcessor(opts ...messaging.ProcessorOption) (*messaging.Processor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.New("client is closed")
	}

	base := []messaging.ProcessorOption{
		messaging.WithProcessorLogger(c.logger),
		messaging.WithCoordinator(c.coordinator),
	}
	if c.transport != nil {
		extOpts := append([]messaging.ExtenderOption{messaging.WithRenewalObserver(c.metrics)}, c.extenderOpts...)
		base = append(base, messaging.WithVisibilityTransport(c.transport, extOpts...))
	}

	processor, err := messaging.NewProcessor(c.registry, append(base, opts...)...)
	if err != nil {
		return nil, err
	}

	c.slots++
	c.logger.Debug("created processor", "slotId", processor.SlotID(), "slots", c.slots)

	return processor, nil
}

// Registry returns the shared handler registry
func (c *Client) Registry() *messaging.HandlerRegistry {
	return c.registry
}

// Events returns coordinator notifications for all processors of the client
func (c *Client) Events() <-chan messaging.CoordinatorEvent {
	return c.coordinator.Events()
}

// Coordinator returns the coordinator shared by the client's processors
func (c *Client) Coordinator() *messaging.ChannelCoordinator {
	return c.coordinator
}

func (c *Client) Metrics() *monitor.SimpleMetricsCollector {
	return c.metrics
}

func (c *Client) Health() *monitor.Registry {
	return c.health
}

// HealthHandler serves the client's health checks
func (c *Client) HealthHandler(timeout time.Duration) http.Handler {
	return monitor.NewHandler(c.health, timeout)
}

// Close interrupts in-flight executions and stops delivering events. It is
// safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if n := c.coordinator.InterruptAll(); n > 0 {
		c.logger.Info("interrupted in-flight executions on close", "count", n)
	}
	c.coordinator.Close()

	return nil
}

// clientConfig holds client configuration
type clientConfig struct {
	logger              *slog.Logger
	serviceName         string
	transport           messaging.VisibilityTransport
	acker               messaging.Acknowledger
	manualSettlement    bool
	extenderOpts        []messaging.ExtenderOption
	interceptors        []interceptors.Interceptor
	breaker             *breakerConfig
	coordinatorBuffer   int
	maxInFlightAge      time.Duration
	renewalFailureRatio float64
	renewalMinSample    int64
}

type breakerConfig struct {
	failureThreshold int
	openTimeout      time.Duration
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithServiceName sets the service name reported with health checks
func WithServiceName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serviceName = name
	}
}

// WithTransport sets the transport used for lease renewal. When it can also
// settle messages, workers ack on success and nack on failure.
func WithTransport(transport messaging.VisibilityTransport, opts ...messaging.ExtenderOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transport = transport
		cfg.extenderOpts = opts
	}
}

// WithAcknowledger settles messages through acker instead of the transport
func WithAcknowledger(acker messaging.Acknowledger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.acker = acker
	}
}

// WithManualSettlement leaves ack and nack to the workers. Workers should
// call messaging.StopLease before settling.
func WithManualSettlement() ClientOption {
	return func(cfg *clientConfig) {
		cfg.manualSettlement = true
	}
}

// WithInterceptor appends interceptors to the default chain of every worker
func WithInterceptor(interceptors ...interceptors.Interceptor) ClientOption {
	return func(cfg *clientConfig) {
		cfg.interceptors = append(cfg.interceptors, interceptors...)
	}
}

// WithCircuitBreaker gives every worker its own circuit breaker. After
// failureThreshold consecutive failures the queue's deliveries are rejected
// without running the worker until openTimeout has passed.
func WithCircuitBreaker(failureThreshold int, openTimeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.breaker = &breakerConfig{failureThreshold: failureThreshold, openTimeout: openTimeout}
	}
}

// WithCoordinatorBuffer sets the size of the event channel
func WithCoordinatorBuffer(size int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.coordinatorBuffer = size
	}
}

// WithMaxInFlightAge sets how long an execution may run before the health
// check reports the worker degraded
func WithMaxInFlightAge(age time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.maxInFlightAge = age
	}
}

// WithRenewalHealth sets the renewal failure ratio that makes the worker
// unhealthy, once a queue has seen at least minSample renewals
func WithRenewalHealth(ratio float64, minSample int64) ClientOption {
	return func(cfg *clientConfig) {
		cfg.renewalFailureRatio = ratio
		cfg.renewalMinSample = minSample
	}
}
