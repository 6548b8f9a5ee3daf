package contracts

// Payload holds the decoded bodies of a delivery, positionally aligned with
// Delivery.Messages. An element that failed to decode has a nil value and a
// non-nil error.
type Payload struct {
	values []any
	errs   []error
	batch  bool
}

// NewPayload creates a payload from decoded values and their decode errors.
// errs may be nil when every element decoded.
func NewPayload(values []any, errs []error, batch bool) Payload {
	if errs == nil {
		errs = make([]error, len(values))
	}
	return Payload{values: values, errs: errs, batch: batch}
}

// Value returns the decoded value of the first message. Handlers must guard
// against nil, which is what a failed decode produces.
func (p Payload) Value() any {
	if len(p.values) == 0 {
		return nil
	}
	return p.values[0]
}

// Values returns all decoded values in delivery order
func (p Payload) Values() []any {
	return p.values
}

// Err returns the decode error of the i-th element
func (p Payload) Err(i int) error {
	if i < 0 || i >= len(p.errs) {
		return nil
	}
	return p.errs[i]
}

// OK reports whether every element decoded
func (p Payload) OK() bool {
	for _, err := range p.errs {
		if err != nil {
			return false
		}
	}
	return true
}

// IsBatch reports whether the payload belongs to a batch delivery
func (p Payload) IsBatch() bool {
	return p.batch
}

// Len returns the number of elements
func (p Payload) Len() int {
	return len(p.values)
}
