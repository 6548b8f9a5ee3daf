package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/glimte/mmate-worker/contracts"
)

// ErrFiltered is matched by the error returned for deliveries rejected with
// FilterReject.
var ErrFiltered = errors.New("delivery filtered")

// MessageFilter decides whether a delivery reaches the worker
type MessageFilter interface {
	Match(ctx context.Context, queue contracts.QueueRef, delivery *contracts.Delivery) (bool, error)
}

type MessageFilterFunc func(ctx context.Context, queue contracts.QueueRef, delivery *contracts.Delivery) (bool, error)

func (f MessageFilterFunc) Match(ctx context.Context, queue contracts.QueueRef, delivery *contracts.Delivery) (bool, error) {
	return f(ctx, queue, delivery)
}

// All passes a delivery only when every filter does. No filters pass all.
func All(filters ...MessageFilter) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, queue contracts.QueueRef, delivery *contracts.Delivery) (bool, error) {
		for _, f := range filters {
			ok, err := f.Match(ctx, queue, delivery)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// Any passes a delivery when at least one filter does
func Any(filters ...MessageFilter) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, queue contracts.QueueRef, delivery *contracts.Delivery) (bool, error) {
		for _, f := range filters {
			ok, err := f.Match(ctx, queue, delivery)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	})
}

func Not(filter MessageFilter) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, queue contracts.QueueRef, delivery *contracts.Delivery) (bool, error) {
		ok, err := filter.Match(ctx, queue, delivery)
		return !ok && err == nil, err
	})
}

// AttributeIn passes deliveries where every message carries attribute key
// with one of values. An empty delivery never passes.
func AttributeIn(key string, values ...string) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, queue contracts.QueueRef, delivery *contracts.Delivery) (bool, error) {
		msgs := delivery.Messages()
		if len(msgs) == 0 {
			return false, nil
		}
		for _, msg := range msgs {
			value, ok := msg.GetAttributes()[key]
			if !ok || !slices.Contains(values, value) {
				return false, nil
			}
		}
		return true, nil
	})
}

// QueueIn passes deliveries from the named queues
func QueueIn(names ...string) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, queue contracts.QueueRef, delivery *contracts.Delivery) (bool, error) {
		return slices.Contains(names, queue.Name), nil
	})
}

// FilterAction is what FilteringInterceptor does with a rejected delivery
type FilterAction int

const (
	// FilterSkip completes the delivery without running the worker
	FilterSkip FilterAction = iota
	// FilterLog is FilterSkip plus an info log line
	FilterLog
	// FilterReject fails the delivery with an error matching ErrFiltered
	FilterReject
)

// FilteringInterceptor keeps deliveries rejected by its filter away from
// the worker. Skipped deliveries return nil and are settled as successes.
type FilteringInterceptor struct {
	filter MessageFilter
	action FilterAction
	logger *slog.Logger
}

func NewFilteringInterceptor(filter MessageFilter, action FilterAction, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{filter: filter, action: action, logger: logger}
}

func (i *FilteringInterceptor) Intercept(ctx context.Context, worker Worker, queue contracts.QueueRef, delivery *contracts.Delivery, payload contracts.Payload, next Worker) error {
	ok, err := i.filter.Match(ctx, queue, delivery)
	if err != nil {
		return fmt.Errorf("filter on queue %s failed: %w", queue.Name, err)
	}
	if ok {
		return next.Perform(ctx, delivery, payload)
	}

	switch i.action {
	case FilterReject:
		return fmt.Errorf("%w: queue %s, messages %v", ErrFiltered, queue.Name, delivery.IDs())
	case FilterLog:
		i.logger.InfoContext(ctx, "delivery skipped by filter",
			"queue", queue.Name,
			"worker", WorkerName(worker),
			"messageIds", delivery.IDs(),
		)
	}
	return nil
}

func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// ConditionalInterceptor applies interceptor only to deliveries matching
// condition; the rest go straight to next.
type ConditionalInterceptor struct {
	condition   MessageFilter
	interceptor Interceptor
}

func When(condition MessageFilter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{condition: condition, interceptor: interceptor}
}

func (i *ConditionalInterceptor) Intercept(ctx context.Context, worker Worker, queue contracts.QueueRef, delivery *contracts.Delivery, payload contracts.Payload, next Worker) error {
	apply, err := i.condition.Match(ctx, queue, delivery)
	if err != nil {
		return fmt.Errorf("condition for %s failed: %w", i.interceptor.Name(), err)
	}
	if !apply {
		return next.Perform(ctx, delivery, payload)
	}
	return i.interceptor.Intercept(ctx, worker, queue, delivery, payload, next)
}

func (i *ConditionalInterceptor) Name() string {
	return "When(" + i.interceptor.Name() + ")"
}
