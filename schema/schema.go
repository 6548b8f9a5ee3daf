package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Property types
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

// Schema describes the object carried by a queue's messages
type Schema struct {
	Name       string               `json:"name"`
	Version    string               `json:"version,omitempty"`
	Properties map[string]*Property `json:"properties,omitempty"`
	Required   []string             `json:"required,omitempty"`

	// AdditionalProperties false rejects fields not listed in Properties
	AdditionalProperties *bool `json:"additionalProperties,omitempty"`
}

// Property constrains one field
type Property struct {
	Type        string               `json:"type,omitempty"`
	Format      string               `json:"format,omitempty"`
	Pattern     string               `json:"pattern,omitempty"`
	MinLength   *int                 `json:"minLength,omitempty"`
	MaxLength   *int                 `json:"maxLength,omitempty"`
	Minimum     *float64             `json:"minimum,omitempty"`
	Maximum     *float64             `json:"maximum,omitempty"`
	Enum        []any                `json:"enum,omitempty"`
	Description string               `json:"description,omitempty"`
	Items       *Property            `json:"items,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty"`
	Required    []string             `json:"required,omitempty"`

	pattern *regexp.Regexp
}

// Int returns a pointer to n, for MinLength and MaxLength
func Int(n int) *int {
	return &n
}

// Float returns a pointer to f, for Minimum and Maximum
func Float(f float64) *float64 {
	return &f
}

// Bool returns a pointer to b, for AdditionalProperties
func Bool(b bool) *bool {
	return &b
}

// Parse reads a schema from its JSON form
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	return &s, nil
}

// Load reads a schema from a JSON file
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema %s: %w", path, err)
	}
	return Parse(data)
}

// compile prepares patterns so validation never fails on a bad schema
func (s *Schema) compile() error {
	for name, prop := range s.Properties {
		if err := prop.compile(name); err != nil {
			return err
		}
	}
	return nil
}

func (p *Property) compile(path string) error {
	if p == nil {
		return fmt.Errorf("property %s has no definition", path)
	}

	switch p.Type {
	case "", TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeArray, TypeObject:
	default:
		return fmt.Errorf("property %s has unknown type %q", path, p.Type)
	}

	if p.Pattern != "" {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("property %s has invalid pattern: %w", path, err)
		}
		p.pattern = re
	}

	if p.Items != nil {
		if err := p.Items.compile(path + "[]"); err != nil {
			return err
		}
	}
	for name, child := range p.Properties {
		if err := child.compile(path + "." + name); err != nil {
			return err
		}
	}
	return nil
}
