// Package schema infers the structural shape of JSON response bodies and
// raises an incident when an endpoint's shape changes.
package schema

import (
	"encoding/json"
	"fmt"
)

const (
	TypeObject  = "object"
	TypeArray   = "array"
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeNull    = "null"
)

// Schema is the shape of a JSON value. Literal values are never recorded.
type Schema struct {
	Type       string             `json:"type"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	// Items is the shape of the first element; nil for an empty array.
	Items *Schema `json:"items,omitempty"`
}

// Infer derives the schema of a decoded JSON value (the output of
// json.Unmarshal into an any).
func Infer(v any) *Schema {
	switch val := v.(type) {
	case nil:
		return &Schema{Type: TypeNull}
	case map[string]any:
		props := make(map[string]*Schema, len(val))
		for k, child := range val {
			props[k] = Infer(child)
		}
		return &Schema{Type: TypeObject, Properties: props}
	case []any:
		s := &Schema{Type: TypeArray}
		if len(val) > 0 {
			s.Items = Infer(val[0])
		}
		return s
	case string:
		return &Schema{Type: TypeString}
	case bool:
		return &Schema{Type: TypeBoolean}
	case float64, float32, int, int64, json.Number:
		return &Schema{Type: TypeNumber}
	default:
		return &Schema{Type: fmt.Sprintf("%T", v)}
	}
}

// InferJSON decodes body and infers its schema.
func InferJSON(body []byte) (*Schema, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return Infer(v), nil
}

// Equal is exact structural equality: any added, removed or retyped field
// makes two schemas different.
func Equal(a, b *Schema) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Type != b.Type || len(a.Properties) != len(b.Properties) {
		return false
	}
	for k, pa := range a.Properties {
		pb, ok := b.Properties[k]
		if !ok || !Equal(pa, pb) {
			return false
		}
	}
	return Equal(a.Items, b.Items)
}

// Parse decodes a stored schema.
func Parse(raw []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("invalid stored schema: %w", err)
	}
	return &s, nil
}
