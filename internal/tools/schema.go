package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Schema captures the subset of JSON Schema the tools need. Type holds either
// a single type name or a list of accepted names.
type Schema struct {
	Type        any                `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	// Format "address" requires a 20-byte hex string.
	Format string `json:"format,omitempty"`
}

func object(required []string, props map[string]*Schema) *Schema {
	return &Schema{Type: "object", Properties: props, Required: required}
}

func str(desc string) *Schema { return &Schema{Type: "string", Description: desc} }

func address(desc string) *Schema { return &Schema{Type: "string", Format: "address", Description: desc} }

func integer(desc string) *Schema { return &Schema{Type: "integer", Description: desc} }

// wei accepts decimal strings as well as plain JSON integers.
func wei(desc string) *Schema { return &Schema{Type: []string{"string", "integer"}, Description: desc} }

func array(desc string, items *Schema) *Schema {
	return &Schema{Type: "array", Description: desc, Items: items}
}

func (s *Schema) types() []string {
	switch t := s.Type.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	}
	return nil
}

// Validate checks required fields, primitive types and address formats.
func (s *Schema) Validate(value any) error {
	return s.validate("", value)
}

func (s *Schema) validate(path string, value any) error {
	if s == nil {
		return nil
	}
	if types := s.types(); len(types) > 0 {
		var matched bool
		for _, t := range types {
			if matchesType(value, t) {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("%s应为 %s，实际为 %s", label(path), strings.Join(types, "|"), describe(value))
		}
	}
	if s.Format == "address" {
		if text, ok := value.(string); ok && !common.IsHexAddress(strings.TrimSpace(text)) {
			return fmt.Errorf("%s不是有效的地址: %q", label(path), text)
		}
	}

	switch v := value.(type) {
	case map[string]any:
		for _, field := range s.Required {
			if _, ok := v[field]; !ok {
				return fmt.Errorf("缺少必填字段 %s", join(path, field))
			}
		}
		for key, child := range v {
			prop, ok := s.Properties[key]
			if !ok {
				continue
			}
			if child == nil && !contains(s.Required, key) {
				continue
			}
			if err := prop.validate(join(path, key), child); err != nil {
				return err
			}
		}
	case []any:
		for i, item := range v {
			if err := s.Items.validate(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
				return err
			}
		}
	}
	return nil
}

func matchesType(value any, expected string) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		switch v := value.(type) {
		case json.Number:
			_, ok := new(big.Int).SetString(v.String(), 10)
			return ok
		case float64:
			return math.Trunc(v) == v
		case int, int64, uint64:
			return true
		}
		return false
	case "number":
		switch v := value.(type) {
		case json.Number:
			_, err := v.Float64()
			return err == nil
		case float64, int, int64, uint64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	}
	return false
}

func describe(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case json.Number, float64, int, int64, uint64:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	return fmt.Sprintf("%T", value)
}

func label(path string) string {
	if path == "" {
		return "参数"
	}
	return "字段 " + path + " "
}

func join(path, field string) string {
	if path == "" {
		return field
	}
	return path + "." + field
}

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
