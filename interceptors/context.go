package interceptors

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/glimte/mmate-worker/contracts"
)

type valuesKey struct{}

// ExecutionValues carries values from interceptors to the worker and to the
// interceptors after them, for one delivery
type ExecutionValues struct {
	mu     sync.RWMutex
	values map[string]any
}

func NewExecutionValues() *ExecutionValues {
	return &ExecutionValues{values: make(map[string]any)}
}

func (v *ExecutionValues) Set(key string, value any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.values[key] = value
}

func (v *ExecutionValues) Get(key string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	value, ok := v.values[key]
	return value, ok
}

func (v *ExecutionValues) Delete(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.values, key)
}

// Keys returns the keys in sorted order
func (v *ExecutionValues) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return slices.Sorted(maps.Keys(v.values))
}

// LogAttrs returns the values as alternating slog keys and values, sorted by key
func (v *ExecutionValues) LogAttrs() []any {
	keys := v.Keys()

	v.mu.RLock()
	defer v.mu.RUnlock()

	attrs := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		attrs = append(attrs, k, v.values[k])
	}
	return attrs
}

// Lookup returns the value stored under key if it has type T
func Lookup[T any](v *ExecutionValues, key string) (T, bool) {
	var zero T
	if v == nil {
		return zero, false
	}
	value, ok := v.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := value.(T)
	return typed, ok
}

// ValuesFrom returns the execution values carried by ctx
func ValuesFrom(ctx context.Context) (*ExecutionValues, bool) {
	v, ok := ctx.Value(valuesKey{}).(*ExecutionValues)
	return v, ok
}

// WithValues returns a context carrying v
func WithValues(ctx context.Context, v *ExecutionValues) context.Context {
	return context.WithValue(ctx, valuesKey{}, v)
}

// ensureValues reuses the values already in ctx so that several enrichment
// interceptors write to the same set
func ensureValues(ctx context.Context) (context.Context, *ExecutionValues) {
	if v, ok := ValuesFrom(ctx); ok {
		return ctx, v
	}
	v := NewExecutionValues()
	return WithValues(ctx, v), v
}

// ContextEnricher fills execution values before the worker runs. An error
// stops the delivery before the worker is called.
type ContextEnricher interface {
	Enrich(ctx context.Context, values *ExecutionValues, queue contracts.QueueRef, delivery *contracts.Delivery) error
}

// ContextEnricherFunc is a function adapter for ContextEnricher
type ContextEnricherFunc func(ctx context.Context, values *ExecutionValues, queue contracts.QueueRef, delivery *contracts.Delivery) error

// Enrich implements ContextEnricher
func (f ContextEnricherFunc) Enrich(ctx context.Context, values *ExecutionValues, queue contracts.QueueRef, delivery *contracts.Delivery) error {
	return f(ctx, values, queue, delivery)
}

// AttributeEnricher copies the named message attributes of a single
// delivery into the execution values, under "attr.<name>". Batches are left
// alone since their attributes differ per message.
func AttributeEnricher(names ...string) ContextEnricherFunc {
	return func(ctx context.Context, values *ExecutionValues, queue contracts.QueueRef, delivery *contracts.Delivery) error {
		values.Set("batchSize", delivery.Len())
		if delivery.IsBatch() || delivery.First() == nil {
			return nil
		}

		attrs := delivery.First().GetAttributes()
		for _, name := range names {
			if value, ok := attrs[name]; ok {
				values.Set("attr."+name, value)
			}
		}
		return nil
	}
}

// ContextEnrichmentInterceptor runs an enricher ahead of the rest of the chain
type ContextEnrichmentInterceptor struct {
	enricher ContextEnricher
}

func NewContextEnrichmentInterceptor(enricher ContextEnricher) *ContextEnrichmentInterceptor {
	return &ContextEnrichmentInterceptor{enricher: enricher}
}

// Intercept implements Interceptor
func (i *ContextEnrichmentInterceptor) Intercept(ctx context.Context, worker Worker, queue contracts.QueueRef, delivery *contracts.Delivery, payload contracts.Payload, next Worker) error {
	ctx, values := ensureValues(ctx)

	if err := i.enricher.Enrich(ctx, values, queue, delivery); err != nil {
		return err
	}

	return next.Perform(ctx, delivery, payload)
}

// Name implements Interceptor
func (i *ContextEnrichmentInterceptor) Name() string {
	return "ContextEnrichmentInterceptor"
}
