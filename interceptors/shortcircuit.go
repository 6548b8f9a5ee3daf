package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-worker/contracts"
)

// ErrShortCircuit matches every error produced by a short-circuiting interceptor.
var ErrShortCircuit = errors.New("interceptor chain short-circuited")

// ShortCircuitResult describes why a delivery did not reach its worker.
type ShortCircuitResult struct {
	Reason string
	Result any
}

// ShortCircuitError is returned instead of running the rest of the chain.
// Cause holds the worker error when the short-circuit was decided after the
// worker ran.
type ShortCircuitError struct {
	Interceptor string
	Queue       string
	MessageIDs  []string
	Result      *ShortCircuitResult
	Cause       error
}

func (e *ShortCircuitError) Error() string {
	reason := ""
	if e.Result != nil {
		reason = e.Result.Reason
	}

	switch {
	case reason == "" && e.Interceptor == "":
		return ErrShortCircuit.Error()
	case e.Interceptor == "":
		return reason
	case reason == "":
		return fmt.Sprintf("%s short-circuited queue %q", e.Interceptor, e.Queue)
	default:
		return fmt.Sprintf("%s short-circuited queue %q: %s", e.Interceptor, e.Queue, reason)
	}
}

func (e *ShortCircuitError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrShortCircuit, e.Cause}
	}
	return []error{ErrShortCircuit}
}

// IsShortCircuit reports whether err, or anything it wraps, is a short-circuit
func IsShortCircuit(err error) bool {
	return errors.Is(err, ErrShortCircuit)
}

// GetShortCircuitResult extracts the result attached to a short-circuit error
func GetShortCircuitResult(err error) (*ShortCircuitResult, bool) {
	var scErr *ShortCircuitError
	if errors.As(err, &scErr) && scErr.Result != nil {
		return scErr.Result, true
	}
	return nil, false
}

func newShortCircuitError(name string, queue contracts.QueueRef, delivery *contracts.Delivery, result *ShortCircuitResult, cause error) *ShortCircuitError {
	return &ShortCircuitError{
		Interceptor: name,
		Queue:       queue.Name,
		MessageIDs:  delivery.IDs(),
		Result:      result,
		Cause:       cause,
	}
}

// ShortCircuitEvaluator decides, before the worker runs, whether a delivery
// should be stopped. A nil result lets the delivery through.
type ShortCircuitEvaluator interface {
	Evaluate(ctx context.Context, queue contracts.QueueRef, delivery *contracts.Delivery, payload contracts.Payload) (*ShortCircuitResult, error)
}

// ShortCircuitEvaluatorFunc adapts a function to ShortCircuitEvaluator
type ShortCircuitEvaluatorFunc func(ctx context.Context, queue contracts.QueueRef, delivery *contracts.Delivery, payload contracts.Payload) (*ShortCircuitResult, error)

func (f ShortCircuitEvaluatorFunc) Evaluate(ctx context.Context, queue contracts.QueueRef, delivery *contracts.Delivery, payload contracts.Payload) (*ShortCircuitResult, error) {
	return f(ctx, queue, delivery, payload)
}

// ShortCircuitInterceptor stops the chain with a ShortCircuitError when its
// evaluator returns a result. The worker does not run and the delivery
// counts as failed.
type ShortCircuitInterceptor struct {
	evaluator ShortCircuitEvaluator
}

func NewShortCircuitInterceptor(evaluator ShortCircuitEvaluator) *ShortCircuitInterceptor {
	return &ShortCircuitInterceptor{evaluator: evaluator}
}

func (i *ShortCircuitInterceptor) Intercept(ctx context.Context, worker Worker, queue contracts.QueueRef, delivery *contracts.Delivery, payload contracts.Payload, next Worker) error {
	result, err := i.evaluator.Evaluate(ctx, queue, delivery, payload)
	if err != nil {
		return fmt.Errorf("short-circuit evaluation failed for queue %s: %w", queue.Name, err)
	}
	if result != nil {
		return newShortCircuitError(i.Name(), queue, delivery, result, nil)
	}
	return next.Perform(ctx, delivery, payload)
}

func (i *ShortCircuitInterceptor) Name() string {
	return "ShortCircuitInterceptor"
}

// ErrorClassifier picks the worker errors that should end as short-circuits.
// A nil result leaves the error untouched.
type ErrorClassifier func(err error) *ShortCircuitResult

// ShortCircuitOnErrorInterceptor marks selected worker errors as
// short-circuits. The original error stays reachable through errors.Is.
type ShortCircuitOnErrorInterceptor struct {
	classify ErrorClassifier
}

func NewShortCircuitOnErrorInterceptor(classify ErrorClassifier) *ShortCircuitOnErrorInterceptor {
	return &ShortCircuitOnErrorInterceptor{classify: classify}
}

func (i *ShortCircuitOnErrorInterceptor) Intercept(ctx context.Context, worker Worker, queue contracts.QueueRef, delivery *contracts.Delivery, payload contracts.Payload, next Worker) error {
	err := next.Perform(ctx, delivery, payload)
	if err == nil || IsShortCircuit(err) {
		return err
	}
	if result := i.classify(err); result != nil {
		return newShortCircuitError(i.Name(), queue, delivery, result, err)
	}
	return err
}

func (i *ShortCircuitOnErrorInterceptor) Name() string {
	return "ShortCircuitOnErrorInterceptor"
}

// DuplicateDetector remembers which message IDs were processed
type DuplicateDetector interface {
	IsDuplicate(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

// DuplicateDetectionInterceptor skips deliveries whose messages were all
// processed before. A skipped delivery returns nil so it is settled as a
// success. Batches with only some duplicates still reach the worker.
type DuplicateDetectionInterceptor struct {
	detector DuplicateDetector
	logger   *slog.Logger
}

func NewDuplicateDetectionInterceptor(detector DuplicateDetector, logger *slog.Logger) *DuplicateDetectionInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DuplicateDetectionInterceptor{detector: detector, logger: logger}
}

func (i *DuplicateDetectionInterceptor) Intercept(ctx context.Context, worker Worker, queue contracts.QueueRef, delivery *contracts.Delivery, payload contracts.Payload, next Worker) error {
	ids := delivery.IDs()

	var seen []string
	for _, id := range ids {
		dup, err := i.detector.IsDuplicate(ctx, id)
		if err != nil {
			return fmt.Errorf("duplicate lookup for message %s failed: %w", id, err)
		}
		if dup {
			seen = append(seen, id)
		}
	}

	switch {
	case len(ids) > 0 && len(seen) == len(ids):
		i.logger.Info("duplicate delivery skipped",
			"queue", queue.Name,
			"worker", WorkerName(worker),
			"messageIds", ids,
		)
		return nil
	case len(seen) > 0:
		i.logger.Debug("batch contains redelivered messages",
			"queue", queue.Name,
			"worker", WorkerName(worker),
			"duplicates", seen,
		)
	}

	if err := next.Perform(ctx, delivery, payload); err != nil {
		return err
	}

	for _, id := range ids {
		if err := i.detector.MarkProcessed(ctx, id); err != nil {
			i.logger.Warn("failed to mark message processed",
				"queue", queue.Name,
				"messageId", id,
				"error", err,
			)
		}
	}
	return nil
}

func (i *DuplicateDetectionInterceptor) Name() string {
	return "DuplicateDetectionInterceptor"
}

// InMemoryDuplicateDetector keeps processed IDs in process memory. Entries
// expire after ttl; a zero ttl keeps them for the life of the detector.
type InMemoryDuplicateDetector struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewInMemoryDuplicateDetector(ttl time.Duration) *InMemoryDuplicateDetector {
	return &InMemoryDuplicateDetector{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

func (d *InMemoryDuplicateDetector) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	expires, ok := d.seen[messageID]
	if !ok {
		return false, nil
	}
	if !expires.IsZero() && !d.now().Before(expires) {
		delete(d.seen, messageID)
		return false, nil
	}
	return true, nil
}

func (d *InMemoryDuplicateDetector) MarkProcessed(ctx context.Context, messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var expires time.Time
	if d.ttl > 0 {
		now := d.now()
		expires = now.Add(d.ttl)
		for id, at := range d.seen {
			if !now.Before(at) {
				delete(d.seen, id)
			}
		}
	}
	d.seen[messageID] = expires
	return nil
}

// Len returns the number of remembered IDs, expired ones included until
// the next MarkProcessed prunes them.
func (d *InMemoryDuplicateDetector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
