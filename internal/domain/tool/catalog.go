package tool

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// DefaultCatalog parses the embedded built-in catalog. The result is a
// fresh slice on every call so callers can attach signatures without
// sharing state.
func DefaultCatalog() ([]Definition, error) {
	var defs []Definition
	if err := yaml.Unmarshal(catalogYAML, &defs); err != nil {
		return nil, fmt.Errorf("parse embedded tool catalog: %w", err)
	}
	for i := range defs {
		if defs[i].ID == "" || defs[i].Version == "" {
			return nil, fmt.Errorf("catalog entry %d missing id or version", i)
		}
		if defs[i].InputSchema == nil {
			defs[i].InputSchema = map[string]any{}
		}
		defs[i].InputSchema = normalizeValue(defs[i].InputSchema).(map[string]any)
	}
	return defs, nil
}

// normalizeValue converts the interface-keyed maps yaml.v3 can produce
// into string-keyed maps so definitions canonicalize identically whether
// they were loaded from YAML or from a stored JSON row.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeValue(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeValue(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	default:
		return v
	}
}
