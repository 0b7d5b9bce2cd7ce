// Package schema implements the pluggable per-tool parameter schemas.
// Each schema validates a map of request parameters; tools without a
// registered schema resolve to the permissive accept-all variant.
package schema

import (
	"fmt"
	"math"
	"sort"
)

// Validator checks a parameter map and returns one message per violation.
// An empty slice means the parameters are valid.
type Validator interface {
	Validate(params map[string]any) []string
}

// FieldType enumerates the declarative parameter types.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
)

// Field declares a single named parameter. Min and Max bound numeric
// fields inclusively when set.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
	Min      *float64
	Max      *float64
}

// Fields is an ordered field-map schema. Unknown parameters are ignored,
// matching the lenient model of the registry's declarative schemas.
type Fields []Field

// Validate checks each declared field against params. Messages are
// deterministic: fields are reported in declaration order.
func (fs Fields) Validate(params map[string]any) []string {
	var msgs []string
	for _, f := range fs {
		value, present := params[f.Name]
		if !present {
			if f.Required {
				msgs = append(msgs, fmt.Sprintf("%s: field required", f.Name))
			}
			continue
		}
		msgs = append(msgs, f.check(value)...)
	}
	return msgs
}

func (f Field) check(value any) []string {
	switch f.Type {
	case TypeString:
		if _, ok := value.(string); !ok {
			return []string{fmt.Sprintf("%s: expected string", f.Name)}
		}
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return []string{fmt.Sprintf("%s: expected boolean", f.Name)}
		}
	case TypeInteger:
		n, ok := numeric(value)
		if !ok || n != math.Trunc(n) {
			return []string{fmt.Sprintf("%s: expected integer", f.Name)}
		}
		return f.checkBounds(n)
	case TypeNumber:
		n, ok := numeric(value)
		if !ok {
			return []string{fmt.Sprintf("%s: expected number", f.Name)}
		}
		return f.checkBounds(n)
	}
	return nil
}

func (f Field) checkBounds(n float64) []string {
	var msgs []string
	if f.Min != nil && n < *f.Min {
		msgs = append(msgs, fmt.Sprintf("%s: value %v less than minimum %v", f.Name, trimFloat(n), trimFloat(*f.Min)))
	}
	if f.Max != nil && n > *f.Max {
		msgs = append(msgs, fmt.Sprintf("%s: value %v greater than maximum %v", f.Name, trimFloat(n), trimFloat(*f.Max)))
	}
	return msgs
}

// Permissive accepts every parameter map. It is the resolution for tool
// ids with no registered schema — a real variant, not a nil Validator.
type Permissive struct{}

// Validate always reports the parameters as valid.
func (Permissive) Validate(map[string]any) []string { return nil }

// numeric extracts a float64 from JSON-decoded numeric values. Booleans
// deliberately do not count.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// trimFloat renders whole floats without a trailing ".0" so messages read
// like the declarative schema bounds ("100", not "100.0").
func trimFloat(n float64) any {
	if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
		return int64(n)
	}
	return n
}

func ptr(f float64) *float64 { return &f }

// builtin maps tool ids to their parameter schemas. The field names agree
// with the built-in catalog's input_schema declarations.
var builtin = map[string]Validator{
	"mcp:read_logs": Fields{
		{Name: "limit", Type: TypeInteger, Required: true, Min: ptr(1), Max: ptr(100)},
	},
	"mcp:list_tools": Fields{},
	"mcp:get_policy": Fields{
		{Name: "version", Type: TypeString, Required: true},
	},
	"mcp:modify_policy": Fields{
		{Name: "change", Type: TypeString, Required: true},
	},
	"mcp:execute_tool_wrapper": Fields{
		{Name: "target_tool", Type: TypeString, Required: true},
	},
	"mcp:run_shell_sim": Fields{
		{Name: "cmd", Type: TypeString, Required: true},
	},
	"mcp:read_sensitive_sim": Fields{
		{Name: "path", Type: TypeString, Required: true},
	},
	"mcp:metrics_write": Fields{
		{Name: "series", Type: TypeString, Required: true},
		{Name: "value", Type: TypeNumber, Required: true},
	},
}

// For resolves the schema registered for toolID. The second return value
// is false when the tool has no registered schema and the permissive
// fallback was returned instead.
func For(toolID string) (Validator, bool) {
	if v, ok := builtin[toolID]; ok {
		return v, true
	}
	return Permissive{}, false
}

// RegisteredTools returns the sorted tool ids with registered schemas.
func RegisteredTools() []string {
	ids := make([]string, 0, len(builtin))
	for id := range builtin {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
