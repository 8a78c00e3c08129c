// Package jsonschema converts JSON Schema documents into EBNF grammars that
// accept exactly the compact or whitespace-separated JSON texts the schema
// allows.
package jsonschema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Schema is the subset of JSON Schema understood by the converter.
type Schema struct {
	// Type is a type name, a list of type names, or nil.
	Type any `json:"type"`

	Properties           map[string]*Schema `json:"properties"`
	Required             []string           `json:"required"`
	AdditionalProperties any                `json:"additionalProperties"`

	// Items is nil when absent, a bool, or a schema object still in map
	// form. Use ItemSchema to decode it.
	Items       any       `json:"items"`
	PrefixItems []*Schema `json:"prefixItems"`
	MinItems    *int      `json:"minItems"`
	MaxItems    *int      `json:"maxItems"`

	Pattern string `json:"pattern"`
	Format  string `json:"format"`

	// Numeric bounds are accepted but not enforced by the grammar.
	Minimum *float64 `json:"minimum"`
	Maximum *float64 `json:"maximum"`

	Enum  []any `json:"enum"`
	Const any   `json:"const"`

	AnyOf []*Schema `json:"anyOf"`
	OneOf []*Schema `json:"oneOf"`
	AllOf []*Schema `json:"allOf"`

	Ref         string             `json:"$ref"`
	Defs        map[string]*Schema `json:"$defs"`
	Definitions map[string]*Schema `json:"definitions"`
}

var validTypes = map[string]bool{
	"object":  true,
	"array":   true,
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
	"null":    true,
}

// Parse decodes a schema from JSON text ([]byte, string or
// json.RawMessage) or from an already decoded map.
func Parse(v any) (*Schema, error) {
	var raw any
	switch v := v.(type) {
	case []byte:
		if err := unmarshal(v, &raw); err != nil {
			return nil, err
		}
	case json.RawMessage:
		if err := unmarshal(v, &raw); err != nil {
			return nil, err
		}
	case string:
		if err := unmarshal([]byte(v), &raw); err != nil {
			return nil, err
		}
	case map[string]any:
		raw = v
	case *Schema:
		return v, v.validate()
	default:
		return nil, fmt.Errorf("unsupported schema type %T", v)
	}

	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("schema must be a JSON object, got %T", raw)
	}

	s, err := decode(m)
	if err != nil {
		return nil, err
	}
	return s, s.validate()
}

func unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(bytes.TrimSpace(data), v); err != nil {
		return fmt.Errorf("failed to parse JSON Schema: %w", err)
	}
	return nil
}

func decode(m map[string]any) (*Schema, error) {
	var s Schema
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  &s,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("failed to decode JSON Schema: %w", err)
	}
	return &s, nil
}

// Types returns the declared type names.
func (s *Schema) Types() ([]string, error) {
	switch t := s.Type.(type) {
	case nil:
		return nil, nil
	case string:
		if !validTypes[t] {
			return nil, fmt.Errorf("invalid type declaration %q", t)
		}
		return []string{t}, nil
	case []any:
		types := make([]string, 0, len(t))
		for _, v := range t {
			name, ok := v.(string)
			if !ok || !validTypes[name] {
				return nil, fmt.Errorf("invalid type declaration %v", v)
			}
			types = append(types, name)
		}
		return types, nil
	case []string:
		return (&Schema{Type: toAny(t)}).Types()
	default:
		return nil, fmt.Errorf("invalid type declaration %v", t)
	}
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

var errItemsType = errors.New("items must be a boolean or a schema object")

// ItemSchema decodes Items. ok is false when items are forbidden.
func (s *Schema) ItemSchema() (item *Schema, ok bool, err error) {
	switch v := s.Items.(type) {
	case nil:
		return nil, true, nil
	case bool:
		return nil, v, nil
	case map[string]any:
		item, err := decode(v)
		if err != nil {
			return nil, false, err
		}
		return item, true, item.validate()
	case *Schema:
		return v, true, nil
	default:
		return nil, false, errItemsType
	}
}

// EffectiveType returns the type the converter generates for s when it has
// no explicit type: object when it has properties, array when it has items,
// and value otherwise.
func (s *Schema) EffectiveType() string {
	switch {
	case len(s.Properties) > 0:
		return "object"
	case len(s.PrefixItems) > 0 || s.Items != nil:
		return "array"
	default:
		return "value"
	}
}

// ClosedObject reports whether additionalProperties is false.
func (s *Schema) ClosedObject() bool {
	b, ok := s.AdditionalProperties.(bool)
	return ok && !b
}

func (s *Schema) validate() error {
	if _, err := s.Types(); err != nil {
		return err
	}
	if len(s.AllOf) > 1 {
		return errors.New("allOf with more than one schema is not supported")
	}
	if s.MinItems != nil && s.MaxItems != nil && *s.MinItems > *s.MaxItems {
		return fmt.Errorf("minItems %d exceeds maxItems %d", *s.MinItems, *s.MaxItems)
	}

	children := [][]*Schema{s.PrefixItems, s.AnyOf, s.OneOf, s.AllOf}
	for _, m := range []map[string]*Schema{s.Properties, s.Defs, s.Definitions} {
		for _, c := range m {
			children = append(children, []*Schema{c})
		}
	}

	for _, list := range children {
		for _, c := range list {
			if c == nil {
				continue
			}
			if err := c.validate(); err != nil {
				return err
			}
		}
	}

	_, _, err := s.ItemSchema()
	return err
}
