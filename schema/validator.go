package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-worker/contracts"
)

// ErrInvalidPayload is matched by every *ValidationError
var ErrInvalidPayload = errors.New("invalid payload")

// Violation is a single failed constraint
type Violation struct {
	MessageID string `json:"messageId"`
	Field     string `json:"field"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Value     any    `json:"value,omitempty"`
}

func (v Violation) String() string {
	if v.Field == "" {
		return fmt.Sprintf("message %s: %s", v.MessageID, v.Message)
	}
	return fmt.Sprintf("message %s: field '%s': %s", v.MessageID, v.Field, v.Message)
}

// ValidationError lists every violation found in a delivery
type ValidationError struct {
	Schema     string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 1 {
		return fmt.Sprintf("schema %s: %s", e.Schema, e.Violations[0])
	}
	return fmt.Sprintf("schema %s: %d violations, first: %s", e.Schema, len(e.Violations), e.Violations[0])
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidPayload
}

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	datePattern  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// Validator checks decoded payloads against one schema. It implements
// interceptors.PayloadValidator.
type Validator struct {
	schema        *Schema
	skipUndecoded bool
	logger        *slog.Logger
}

// Option configures the Validator
type Option func(*Validator)

// WithSkipUndecoded lets elements that failed to decode through, so the
// worker decides what to do with them. By default they are violations.
func WithSkipUndecoded(skip bool) Option {
	return func(v *Validator) {
		v.skipUndecoded = skip
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		v.logger = logger
	}
}

// NewValidator creates a validator for s. Invalid patterns and unknown types
// are reported here rather than during validation.
func NewValidator(s *Schema, opts ...Option) (*Validator, error) {
	if s == nil {
		return nil, errors.New("schema cannot be nil")
	}
	if err := s.compile(); err != nil {
		return nil, fmt.Errorf("schema %s: %w", s.Name, err)
	}

	v := &Validator{schema: s}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}

	return v, nil
}

// Validate checks every element of payload. It returns a *ValidationError
// listing all violations, or nil.
func (v *Validator) Validate(ctx context.Context, delivery *contracts.Delivery, payload contracts.Payload) error {
	msgs := delivery.Messages()

	var violations []Violation
	for i, value := range payload.Values() {
		id := ""
		if i < len(msgs) {
			id = msgs[i].GetID()
		}

		if err := payload.Err(i); err != nil {
			if !v.skipUndecoded {
				violations = append(violations, Violation{MessageID: id, Code: "UNDECODED", Message: "payload could not be decoded"})
			}
			continue
		}

		c := &check{messageID: id}
		obj, ok := value.(map[string]any)
		if !ok {
			c.add("", "TYPE_MISMATCH", fmt.Sprintf("expected object, got %T", value), nil)
		} else {
			c.object("", obj, v.schema.Properties, v.schema.Required, v.schema.AdditionalProperties)
		}
		violations = append(violations, c.violations...)
	}

	if len(violations) == 0 {
		return nil
	}

	v.logger.Debug("payload failed schema validation",
		"schema", v.schema.Name,
		"messageIds", delivery.IDs(),
		"violations", len(violations),
	)

	return &ValidationError{Schema: v.schema.Name, Violations: violations}
}

type check struct {
	messageID  string
	violations []Violation
}

func (c *check) add(field, code, message string, value any) {
	c.violations = append(c.violations, Violation{
		MessageID: c.messageID,
		Field:     field,
		Code:      code,
		Message:   message,
		Value:     value,
	})
}

func (c *check) object(path string, data map[string]any, props map[string]*Property, required []string, additional *bool) {
	for _, name := range required {
		if _, ok := data[name]; !ok {
			c.add(join(path, name), "REQUIRED_FIELD_MISSING", "required field is missing", nil)
		}
	}

	for name, value := range data {
		prop, ok := props[name]
		if !ok {
			if additional != nil && !*additional {
				c.add(join(path, name), "UNKNOWN_FIELD", "field is not allowed", nil)
			}
			continue
		}
		c.property(join(path, name), value, prop)
	}
}

func (c *check) property(path string, value any, prop *Property) {
	// null satisfies any type; use Required to demand presence
	if value == nil {
		return
	}

	if prop.Type != "" && !hasType(value, prop.Type) {
		c.add(path, "TYPE_MISMATCH", fmt.Sprintf("expected type %s, got %T", prop.Type, value), value)
		return
	}

	switch val := value.(type) {
	case string:
		c.str(path, val, prop)
	case float64:
		c.number(path, val, prop)
	case []any:
		if prop.Items != nil {
			for i, item := range val {
				c.property(fmt.Sprintf("%s[%d]", path, i), item, prop.Items)
			}
		}
	case map[string]any:
		if prop.Properties != nil || prop.Required != nil {
			c.object(path, val, prop.Properties, prop.Required, nil)
		}
	}

	if len(prop.Enum) > 0 && !inEnum(value, prop.Enum) {
		c.add(path, "ENUM_VIOLATION", fmt.Sprintf("value is not one of %v", prop.Enum), value)
	}
}

func (c *check) str(path, value string, prop *Property) {
	n := len([]rune(value))
	if prop.MinLength != nil && n < *prop.MinLength {
		c.add(path, "MIN_LENGTH_VIOLATION", fmt.Sprintf("length %d is less than minimum %d", n, *prop.MinLength), value)
	}
	if prop.MaxLength != nil && n > *prop.MaxLength {
		c.add(path, "MAX_LENGTH_VIOLATION", fmt.Sprintf("length %d exceeds maximum %d", n, *prop.MaxLength), value)
	}
	if prop.pattern != nil && !prop.pattern.MatchString(value) {
		c.add(path, "PATTERN_VIOLATION", fmt.Sprintf("value does not match pattern %s", prop.Pattern), value)
	}
	if prop.Format != "" {
		if msg := checkFormat(value, prop.Format); msg != "" {
			c.add(path, "FORMAT_VIOLATION", msg, value)
		}
	}
}

func (c *check) number(path string, value float64, prop *Property) {
	if prop.Minimum != nil && value < *prop.Minimum {
		c.add(path, "MINIMUM_VIOLATION", fmt.Sprintf("value %g is less than minimum %g", value, *prop.Minimum), value)
	}
	if prop.Maximum != nil && value > *prop.Maximum {
		c.add(path, "MAXIMUM_VIOLATION", fmt.Sprintf("value %g exceeds maximum %g", value, *prop.Maximum), value)
	}
}

// hasType matches the shapes encoding/json produces for an any target
func hasType(value any, want string) bool {
	switch want {
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeNumber:
		_, ok := value.(float64)
		return ok
	case TypeInteger:
		f, ok := value.(float64)
		return ok && f == math.Trunc(f)
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeArray:
		_, ok := value.([]any)
		return ok
	case TypeObject:
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

func inEnum(value any, enum []any) bool {
	for _, allowed := range enum {
		if reflect.DeepEqual(value, allowed) {
			return true
		}
		// enums written in Go use ints where decoded JSON has float64
		if f, ok := value.(float64); ok {
			if n, ok := allowed.(int); ok && f == float64(n) {
				return true
			}
		}
	}
	return false
}

// checkFormat returns a message when value does not have the format.
// Unknown formats pass.
func checkFormat(value, format string) string {
	switch format {
	case "email":
		if !emailPattern.MatchString(value) {
			return "invalid email format"
		}
	case "uri":
		if u, err := url.Parse(value); err != nil || u.Scheme == "" {
			return "invalid URI format"
		}
	case "uuid":
		if _, err := uuid.Parse(value); err != nil || strings.Count(value, "-") != 4 {
			return "invalid UUID format"
		}
	case "date":
		if _, err := time.Parse(time.DateOnly, value); err != nil || !datePattern.MatchString(value) {
			return "invalid date format (expected YYYY-MM-DD)"
		}
	case "date-time":
		if _, err := time.Parse(time.RFC3339, value); err != nil {
			return "invalid date-time format (expected RFC 3339)"
		}
	}
	return ""
}

func join(parent, field string) string {
	if parent == "" {
		return field
	}
	return parent + "." + field
}
