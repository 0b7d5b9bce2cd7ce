// Package policy contains domain types for versioned policy sets and
// the rule matching semantics used by the evaluator.
package policy

import (
	"strconv"
	"strings"
)

// Decision constants for policy evaluation.
const (
	// DecisionAllow permits the tool call.
	DecisionAllow = "ALLOW"
	// DecisionBlock denies the tool call.
	DecisionBlock = "BLOCK"
)

// Evaluation reasons emitted when no rule produced a decision.
const (
	// ReasonNoPolicy is returned when no policy exists at all.
	ReasonNoPolicy = "no_policy"
	// ReasonNoRuleMatched is returned when the active policy has no firing rule.
	ReasonNoRuleMatched = "no_rule_matched"
	// ReasonRuleMatched is the default reason for a firing rule without its own.
	ReasonRuleMatched = "rule_matched"
)

// Rule is a single authorization rule inside a policy. Rules are stored
// as an ordered JSON sequence and evaluated in stored order.
type Rule struct {
	// Roles is the set of agent roles this rule applies to.
	Roles []string `json:"roles"`
	// ToolID is the target tool. Rules written against "mcp:<name>" also
	// match the unqualified "<name>"; bare rule targets never match
	// qualified request ids.
	ToolID string `json:"tool_id"`
	// Effect is DecisionAllow or DecisionBlock. Anything else is treated
	// as DecisionBlock when the rule fires.
	Effect string `json:"effect"`
	// Conditions maps parameter names to matchers (scalar equality, or an
	// object with "equals" and/or "lte").
	Conditions map[string]any `json:"conditions,omitempty"`
	// CEL is an optional CEL expression over params/roles/tool that must
	// additionally evaluate to true for the rule to fire.
	CEL string `json:"cel,omitempty"`
	// Reason is returned with the decision when the rule fires.
	Reason string `json:"reason,omitempty"`
}

// Policy is a versioned, immutable collection of rules.
type Policy struct {
	ID                   int64  `json:"id"`
	Version              string `json:"version"`
	Name                 string `json:"name"`
	Rules                []Rule `json:"rules"`
	CreatedBy            string `json:"created_by"`
	SignaturePlaceholder string `json:"signature_placeholder"`
	// CreatedAt is an ISO-8601 UTC timestamp. Kept as the stored string so
	// selection tie-breaks compare exactly what the row contains.
	CreatedAt string `json:"created_at"`
}

// Result is the outcome of evaluating a request against the active policy.
// Version is empty when no policy exists.
type Result struct {
	Decision string
	Version  string
	Reason   string
}

// VersionKey is the three-tuple of release integers parsed from a policy
// version. Policies with unparseable versions sort below all valid ones.
type VersionKey struct {
	Major, Minor, Patch int
	Valid               bool
}

// ParseVersionKey parses "M.m.p" into a VersionKey. Any deviation from
// three dotted non-negative integers yields an invalid key.
func ParseVersionKey(version string) VersionKey {
	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return VersionKey{}
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || strings.HasPrefix(p, "+") || strings.HasPrefix(p, "-") {
			return VersionKey{}
		}
		nums[i] = n
	}
	return VersionKey{Major: nums[0], Minor: nums[1], Patch: nums[2], Valid: true}
}

// Less reports whether k sorts before other. Invalid keys sort lowest.
func (k VersionKey) Less(other VersionKey) bool {
	if k.Valid != other.Valid {
		return !k.Valid
	}
	if !k.Valid {
		return false
	}
	if k.Major != other.Major {
		return k.Major < other.Major
	}
	if k.Minor != other.Minor {
		return k.Minor < other.Minor
	}
	return k.Patch < other.Patch
}

// MatchesTool reports whether the rule's tool target matches toolID.
// A qualified "mcp:<name>" target additionally matches the bare name.
func (r Rule) MatchesTool(toolID string) bool {
	if r.ToolID == toolID {
		return true
	}
	if stripped, ok := strings.CutPrefix(r.ToolID, "mcp:"); ok && stripped == toolID {
		return true
	}
	return false
}

// MatchesRoles reports whether the agent's roles intersect the rule's roles.
func (r Rule) MatchesRoles(roles []string) bool {
	for _, have := range roles {
		for _, want := range r.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// MatchesConditions reports whether every condition matcher accepts the
// corresponding parameter. An absent parameter never matches a matcher.
func (r Rule) MatchesConditions(params map[string]any) bool {
	for key, matcher := range r.Conditions {
		value, present := params[key]
		if obj, ok := matcher.(map[string]any); ok {
			if expected, has := obj["equals"]; has {
				if !present || !looseEqual(value, expected) {
					return false
				}
			}
			if bound, has := obj["lte"]; has {
				v, vok := asNumber(value)
				b, bok := asNumber(bound)
				if !present || !vok || !bok || v > b {
					return false
				}
			}
			continue
		}
		if !present || !looseEqual(value, matcher) {
			return false
		}
	}
	return true
}

// looseEqual compares two JSON-decoded values, treating all numeric
// representations as comparable.
func looseEqual(a, b any) bool {
	if an, ok := asNumber(a); ok {
		if bn, ok := asNumber(b); ok {
			return an == bn
		}
		return false
	}
	switch at := a.(type) {
	case string:
		bt, ok := b.(string)
		return ok && at == bt
	case bool:
		bt, ok := b.(bool)
		return ok && at == bt
	case nil:
		return b == nil
	}
	// Composite values (arrays/objects) are not supported as matchers.
	return false
}

// asNumber extracts a float64 from the numeric types produced by JSON
// decoding and by Go literals in tests. Booleans are not numbers.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
