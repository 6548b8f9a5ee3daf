package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"

	"github.com/glimte/mmate-worker/contracts"
)

// ErrUnknownType is returned when a message names a type nobody registered
var ErrUnknownType = errors.New("unknown message type")

// TypeRegistry maps message type names to the Go types their bodies decode
// into. It is safe for concurrent use.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: make(map[string]reflect.Type)}
}

// Register binds name to T. Registering the same pair twice is a no-op.
func Register[T any](r *TypeRegistry, name string) error {
	return r.Add(name, reflect.TypeFor[T]())
}

// Add binds name to t. Pointer types are stored as their element type so
// that decoding always yields a pointer to a fresh value.
func (r *TypeRegistry) Add(name string, t reflect.Type) error {
	if name == "" {
		return errors.New("type name is required")
	}
	if t == nil {
		return fmt.Errorf("type for %q is nil", name)
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() == reflect.Interface || t.Kind() == reflect.Pointer {
		return fmt.Errorf("type for %q must be concrete, got %v", name, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.types[name]; ok && existing != t {
		return fmt.Errorf("type name %q is bound to %v", name, existing)
	}
	r.types[name] = t
	return nil
}

// New returns a pointer to a zero value of the type bound to name
func (r *TypeRegistry) New(name string) (any, error) {
	r.mu.RLock()
	t, ok := r.types[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return reflect.New(t).Interface(), nil
}

func (r *TypeRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[name]
	return ok
}

// Names lists the registered names in order
func (r *TypeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.types))
}

// TypedDecoder decodes JSON bodies into the registered type named by the
// message. The name is read from a message attribute when one is configured
// and present, otherwise from a field of the body.
type TypedDecoder struct {
	registry  *TypeRegistry
	field     string
	attribute string
}

type TypedDecoderOption func(*TypedDecoder)

// WithTypeField sets the body field carrying the type name. Default "_type".
func WithTypeField(name string) TypedDecoderOption {
	return func(d *TypedDecoder) {
		d.field = name
	}
}

// WithTypeAttribute reads the type name from a message attribute first
func WithTypeAttribute(name string) TypedDecoderOption {
	return func(d *TypedDecoder) {
		d.attribute = name
	}
}

func NewTypedDecoder(registry *TypeRegistry, opts ...TypedDecoderOption) *TypedDecoder {
	d := &TypedDecoder{registry: registry, field: "_type"}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Selector returns a callback selector, which sees attributes. Use
// Pluggable(d) instead when the type always travels in the body.
func (d *TypedDecoder) Selector() Selector {
	return Callback(d.DecodeMessage)
}

// DecodeMessage implements CallbackFunc
func (d *TypedDecoder) DecodeMessage(msg contracts.Message) (any, error) {
	if d.attribute != "" {
		if name, ok := msg.GetAttributes()[d.attribute]; ok && name != "" {
			return d.decodeAs(name, msg.GetBody())
		}
	}
	return d.Parse(msg.GetBody())
}

// Parse implements Parser
func (d *TypedDecoder) Parse(body []byte) (any, error) {
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("body is not a JSON object: %w", err)
	}

	raw, ok := fields[d.field]
	if !ok {
		return nil, fmt.Errorf("body has no %q field", d.field)
	}

	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return nil, fmt.Errorf("field %q is not a string: %w", d.field, err)
	}

	return d.decodeAs(name, body)
}

func (d *TypedDecoder) decodeAs(name string, body []byte) (any, error) {
	target, err := d.registry.New(name)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, target); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return target, nil
}
