package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-worker/contracts"
)

// SelectorKind identifies how a message body is decoded
type SelectorKind int

const (
	// KindText passes the body through as a string. It is the zero value so an
	// unset selector behaves as text.
	KindText SelectorKind = iota
	// KindJSON decodes the body as JSON
	KindJSON
	// KindCallback hands the whole message to a callback
	KindCallback
	// KindPluggable uses a decoder object exposing Parse and/or Load
	KindPluggable
)

// String returns the selector kind name
func (k SelectorKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindJSON:
		return "json"
	case KindCallback:
		return "callback"
	case KindPluggable:
		return "pluggable"
	default:
		return fmt.Sprintf("SelectorKind(%d)", int(k))
	}
}

// CallbackFunc decodes a whole message
type CallbackFunc func(msg contracts.Message) (any, error)

// Parser is a pluggable decoder exposing a parse operation
type Parser interface {
	Parse(body []byte) (any, error)
}

// Loader is a pluggable decoder exposing a load operation
type Loader interface {
	Load(body []byte) (any, error)
}

// ErrNoDecodeMethod is returned for a pluggable decoder that is neither a Parser nor a Loader
var ErrNoDecodeMethod = errors.New("pluggable decoder exposes neither Parse nor Load")

// Selector chooses how message bodies are decoded for a worker
type Selector struct {
	kind     SelectorKind
	callback CallbackFunc
	decoder  any
}

// Text returns the pass-through selector
func Text() Selector {
	return Selector{kind: KindText}
}

// JSON returns the JSON selector
func JSON() Selector {
	return Selector{kind: KindJSON}
}

// Callback returns a selector that decodes with fn
func Callback(fn CallbackFunc) Selector {
	return Selector{kind: KindCallback, callback: fn}
}

// Pluggable returns a selector that decodes with a Parser or Loader. When the
// decoder implements both, Parse wins.
func Pluggable(decoder any) Selector {
	return Selector{kind: KindPluggable, decoder: decoder}
}

// Kind returns the selector kind
func (s Selector) Kind() SelectorKind {
	return s.kind
}

// String identifies the selector in logs
func (s Selector) String() string {
	if s.kind == KindPluggable && s.decoder != nil {
		return fmt.Sprintf("pluggable(%T)", s.decoder)
	}
	return s.kind.String()
}

// Parse decodes the body of msg according to selector. It has no side
// effects: the same selector and body always give the same outcome. Panics
// raised by callbacks and pluggable decoders are returned as errors.
func Parse(selector Selector, msg contracts.Message) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("decoder panic: %v", r)
		}
	}()

	body := msg.GetBody()

	switch selector.kind {
	case KindText:
		return string(body), nil

	case KindJSON:
		var decoded any
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, err
		}
		return decoded, nil

	case KindCallback:
		if selector.callback == nil {
			return nil, errors.New("callback selector without callback")
		}
		return selector.callback(msg)

	case KindPluggable:
		if parser, ok := selector.decoder.(Parser); ok {
			return parser.Parse(body)
		}
		if loader, ok := selector.decoder.(Loader); ok {
			return loader.Load(body)
		}
		return nil, ErrNoDecodeMethod

	default:
		return nil, fmt.Errorf("unknown selector kind: %v", selector.kind)
	}
}

// BodyParser decodes deliveries for the processing pipeline. Decode failures
// are logged and turned into nil values; they never propagate.
type BodyParser struct {
	logger *slog.Logger
}

// NewBodyParser creates a new body parser
func NewBodyParser(logger *slog.Logger) *BodyParser {
	if logger == nil {
		logger = slog.Default()
	}

	return &BodyParser{logger: logger}
}

// ParseDelivery decodes every message of delivery in order. The returned
// payload is positionally aligned with delivery.Messages().
func (p *BodyParser) ParseDelivery(selector Selector, delivery *contracts.Delivery) contracts.Payload {
	msgs := delivery.Messages()
	values := make([]any, len(msgs))
	errs := make([]error, len(msgs))

	for i, msg := range msgs {
		value, err := Parse(selector, msg)
		if err != nil {
			decodeErr := &contracts.DecodeError{
				MessageID: msg.GetID(),
				Selector:  selector.String(),
				Body:      msg.GetBody(),
				Err:       err,
			}
			p.logger.Error("error parsing the message body",
				"messageId", msg.GetID(),
				"bodyParser", selector.String(),
				"body", string(msg.GetBody()),
				"error", err,
			)
			errs[i] = decodeErr
			continue
		}
		values[i] = value
	}

	return contracts.NewPayload(values, errs, delivery.IsBatch())
}
