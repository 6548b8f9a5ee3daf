package messaging

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/glimte/mmate-worker/contracts"
)

const (
	// DefaultRenewalMargin is how long before the lease expires a renewal fires
	DefaultRenewalMargin = 5 * time.Second

	// DefaultMinRenewalInterval bounds the tick interval from below
	DefaultMinRenewalInterval = time.Second

	// DefaultRenewalConcurrency bounds concurrent renewals within one tick
	DefaultRenewalConcurrency = 3
)

// Lease is a running lease renewal that can be stopped
type Lease interface {
	Stop()
}

// LeaseExtender starts lease renewal for a delivery
type LeaseExtender interface {
	Extend(ctx context.Context, queue contracts.QueueRef, delivery *contracts.Delivery, workerName string) (Lease, error)
}

// VisibilityExtender renews message leases on a timer while a worker runs.
// It owns at most one running timer: Start while an Extension is still
// running returns ErrExtenderBusy.
type VisibilityExtender struct {
	transport   VisibilityTransport
	logger      *slog.Logger
	observer    RenewalObserver
	margin      time.Duration
	minInterval time.Duration
	concurrency int64

	mu     sync.Mutex
	active *Extension
}

// ExtenderOption configures the VisibilityExtender
type ExtenderOption func(*VisibilityExtender)

// WithExtenderLogger sets the logger
func WithExtenderLogger(logger *slog.Logger) ExtenderOption {
	return func(e *VisibilityExtender) {
		e.logger = logger
	}
}

// WithRenewalMargin sets how long before expiry a renewal fires
func WithRenewalMargin(margin time.Duration) ExtenderOption {
	return func(e *VisibilityExtender) {
		e.margin = margin
	}
}

// WithMinRenewalInterval sets the lower bound of the tick interval
func WithMinRenewalInterval(interval time.Duration) ExtenderOption {
	return func(e *VisibilityExtender) {
		e.minInterval = interval
	}
}

// WithRenewalObserver reports every renewal attempt to observer
func WithRenewalObserver(observer RenewalObserver) ExtenderOption {
	return func(e *VisibilityExtender) {
		e.observer = observer
	}
}

// WithRenewalConcurrency bounds concurrent renewals of batch messages
func WithRenewalConcurrency(n int) ExtenderOption {
	return func(e *VisibilityExtender) {
		e.concurrency = int64(n)
	}
}

// NewVisibilityExtender creates an idle extender
func NewVisibilityExtender(transport VisibilityTransport, opts ...ExtenderOption) *VisibilityExtender {
	e := &VisibilityExtender{
		transport:   transport,
		logger:      slog.Default(),
		margin:      DefaultRenewalMargin,
		minInterval: DefaultMinRenewalInterval,
		concurrency: DefaultRenewalConcurrency,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.minInterval <= 0 {
		e.minInterval = DefaultMinRenewalInterval
	}
	if e.concurrency < 1 {
		e.concurrency = 1
	}

	return e
}

// Start reads the queue's visibility timeout V and begins renewing every
// message of delivery each V minus the renewal margin. A V not larger than
// the margin is a configuration error and no timer is scheduled.
func (e *VisibilityExtender) Start(ctx context.Context, queue contracts.QueueRef, delivery *contracts.Delivery, workerName string) (*Extension, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil && e.active.Running() {
		return nil, contracts.ErrExtenderBusy
	}
	e.active = nil

	timeout, interval, err := e.Plan(ctx, queue)
	if err != nil {
		return nil, err
	}

	tickCtx, cancel := context.WithCancel(ctx)
	ext := &Extension{
		extender:   e,
		queue:      queue,
		delivery:   delivery,
		workerName: workerName,
		timeout:    timeout,
		interval:   interval,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go ext.run(tickCtx)
	e.active = ext

	e.logger.Debug("visibility renewal scheduled",
		"worker", workerName,
		"queue", queue.Name,
		"messageIds", delivery.IDs(),
		"visibilityTimeout", timeout,
		"interval", interval,
	)

	return ext, nil
}

// Plan returns the visibility timeout of queue and the renewal interval Start
// would use for it, or the *contracts.RenewalConfigurationError Start would
// fail with
func (e *VisibilityExtender) Plan(ctx context.Context, queue contracts.QueueRef) (timeout, interval time.Duration, err error) {
	timeout, err = e.transport.GetQueueVisibilityTimeout(ctx, queue)
	if err != nil {
		return 0, 0, &contracts.RenewalConfigurationError{
			Queue:  queue.Name,
			Margin: e.margin,
			Err:    err,
		}
	}

	if timeout <= e.margin {
		return timeout, 0, &contracts.RenewalConfigurationError{
			Queue:   queue.Name,
			Timeout: timeout,
			Margin:  e.margin,
			Err:     contracts.ErrVisibilityTimeoutTooSmall,
		}
	}

	return timeout, max(timeout-e.margin, e.minInterval), nil
}

// Extend implements LeaseExtender
func (e *VisibilityExtender) Extend(ctx context.Context, queue contracts.QueueRef, delivery *contracts.Delivery, workerName string) (Lease, error) {
	ext, err := e.Start(ctx, queue, delivery, workerName)
	if err != nil {
		return nil, err
	}
	return ext, nil
}

// Stop stops ext. It is a no-op for nil or already stopped extensions.
func (e *VisibilityExtender) Stop(ext *Extension) {
	ext.Stop()
}

// Extension is a running renewal timer for one delivery
type Extension struct {
	extender   *VisibilityExtender
	queue      contracts.QueueRef
	delivery   *contracts.Delivery
	workerName string
	timeout    time.Duration
	interval   time.Duration

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	// mu is held for a whole tick so Stop cannot return while one runs
	mu      sync.Mutex
	stopped bool

	ticks atomic.Int64
}

// Timeout returns the visibility timeout V applied on every renewal
func (x *Extension) Timeout() time.Duration {
	return x.timeout
}

// Interval returns the tick interval
func (x *Extension) Interval() time.Duration {
	return x.interval
}

// Ticks returns the number of completed ticks
func (x *Extension) Ticks() int64 {
	return x.ticks.Load()
}

// Running reports whether the extension has not been stopped
func (x *Extension) Running() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return !x.stopped
}

// Stop cancels the timer and waits for an in-flight tick to finish. After
// Stop returns no renewal runs and no message deadline changes. Stop is
// idempotent and safe on a nil extension.
func (x *Extension) Stop() {
	if x == nil {
		return
	}

	x.stopOnce.Do(func() {
		x.cancel()

		x.mu.Lock()
		x.stopped = true
		x.mu.Unlock()

		<-x.done
	})
}

func (x *Extension) run(ctx context.Context) {
	defer close(x.done)

	ticker := time.NewTicker(x.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			x.tick(ctx, now)
		}
	}
}

func (x *Extension) tick(ctx context.Context, now time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.stopped || ctx.Err() != nil {
		return
	}

	msgs := x.delivery.Messages()
	if len(msgs) < 3 {
		for _, msg := range msgs {
			if ctx.Err() != nil {
				return
			}
			x.renew(ctx, msg, now)
		}
	} else {
		x.renewConcurrently(ctx, msgs, now)
	}

	x.ticks.Add(1)
}

func (x *Extension) renewConcurrently(ctx context.Context, msgs []contracts.Message, now time.Time) {
	wg := sync.WaitGroup{}
	sem := semaphore.NewWeighted(x.extender.concurrency)

	for _, msg := range msgs {
		wg.Go(func() {
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)

			if ctx.Err() != nil {
				return
			}

			x.renew(ctx, msg, now)
		})
	}

	wg.Wait()
}

func (x *Extension) renew(ctx context.Context, msg contracts.Message, now time.Time) {
	e := x.extender

	e.logger.Debug("extending message visibility timeout",
		"worker", x.workerName,
		"queue", x.queue.Name,
		"messageId", msg.GetID(),
		"visibilityTimeout", x.timeout,
	)

	if err := e.transport.SetMessageVisibility(ctx, x.queue, msg, x.timeout); err != nil {
		if ctx.Err() != nil {
			return
		}

		renewalErr := &contracts.RenewalError{
			Queue:     x.queue.Name,
			MessageID: msg.GetID(),
			Timeout:   x.timeout,
			Err:       err,
		}
		e.logger.Error("could not auto extend the message visibility timeout",
			"worker", x.workerName,
			"queue", x.queue.Name,
			"messageId", msg.GetID(),
			"error", renewalErr,
		)
		if e.observer != nil {
			e.observer.RecordRenewal(x.queue.Name, false)
		}
		return
	}

	msg.SetVisibilityDeadline(now.Add(x.timeout))
	if e.observer != nil {
		e.observer.RecordRenewal(x.queue.Name, true)
	}
}
