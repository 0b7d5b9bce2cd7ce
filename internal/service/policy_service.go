// Package service contains application services: the policy store and
// evaluator, the tool registry, the enforcement pipeline, the anomaly
// auditor, and the policy generator glue.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	celeval "github.com/agent-guard/agentguard/internal/adapter/outbound/cel"
	"github.com/agent-guard/agentguard/internal/domain/policy"
	"github.com/agent-guard/agentguard/internal/storage"
)

// ErrPolicyNotFound is returned when a delete targets a missing policy id.
var ErrPolicyNotFound = errors.New("policy not found")

// ErrInvalidVersion is returned when auto-versioning cannot parse the
// greatest stored version as three dotted integers.
var ErrInvalidVersion = errors.New("stored version is not auto-versionable")

// firstVersion is assigned to the first policy created without an
// explicit version.
const firstVersion = "1.0.0"

// PolicyService persists versioned policies and evaluates requests
// against the active one. Policies are read fresh from the store on
// every evaluation, so admin writes become visible without invalidation.
type PolicyService struct {
	store  *storage.Store
	cel    *celeval.Evaluator
	logger *slog.Logger
}

// NewPolicyService creates the policy store/evaluator service.
func NewPolicyService(store *storage.Store, logger *slog.Logger) (*PolicyService, error) {
	evaluator, err := celeval.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("create rule expression evaluator: %w", err)
	}
	return &PolicyService{store: store, cel: evaluator, logger: logger}, nil
}

// CreateRequest is the decoded body of a policy create call. Rules may
// arrive as a JSON array or as a JSON-encoded string of one (the legacy
// wire format); both are normalized before persisting.
type CreateRequest struct {
	Version              string `json:"version"`
	Name                 string `json:"name"`
	Rules                any    `json:"rules"`
	CreatedBy            string `json:"created_by"`
	SignaturePlaceholder string `json:"signature_placeholder"`
}

// CreateResult reports the assigned version and creation timestamp.
type CreateResult struct {
	Version   string `json:"version"`
	CreatedAt string `json:"created_at"`
}

// Create normalizes and persists a new policy. An absent version is
// auto-assigned by bumping the patch component of the greatest stored
// version.
func (s *PolicyService) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	version := req.Version
	if version == "" {
		next, err := s.nextVersion(ctx)
		if err != nil {
			return CreateResult{}, err
		}
		version = next
	}

	name := req.Name
	if name == "" {
		name = "policy-" + version
	}
	createdBy := req.CreatedBy
	if createdBy == "" {
		createdBy = "unknown"
	}
	placeholder := req.SignaturePlaceholder
	if placeholder == "" {
		placeholder = "pending"
	}

	p := &policy.Policy{
		Version:              version,
		Name:                 name,
		Rules:                NormalizeRules(req.Rules),
		CreatedBy:            createdBy,
		SignaturePlaceholder: placeholder,
		CreatedAt:            storage.NowUTC(),
	}
	id, err := s.store.InsertPolicy(ctx, p)
	if err != nil {
		return CreateResult{}, err
	}
	s.logger.Info("policy created", "policy_id", id, "version", version, "rules", len(p.Rules))
	return CreateResult{Version: version, CreatedAt: p.CreatedAt}, nil
}

// List returns all policies with rules deserialized.
func (s *PolicyService) List(ctx context.Context) ([]policy.Policy, error) {
	return s.store.ListPolicies(ctx)
}

// Delete removes a policy by id.
func (s *PolicyService) Delete(ctx context.Context, id int64) error {
	err := s.store.DeletePolicy(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrPolicyNotFound
	}
	return err
}

// Evaluate runs (roles, toolID, params) against the active policy and
// returns its decision. With no policies stored the decision is a BLOCK
// with reason no_policy and no version.
func (s *PolicyService) Evaluate(ctx context.Context, roles []string, toolID string, params map[string]any) (policy.Result, error) {
	policies, err := s.store.ListPolicies(ctx)
	if err != nil {
		return policy.Result{}, err
	}
	active, ok := selectActive(policies)
	if !ok {
		return policy.Result{Decision: policy.DecisionBlock, Reason: policy.ReasonNoPolicy}, nil
	}

	for i, rule := range active.Rules {
		if !rule.MatchesRoles(roles) || !rule.MatchesTool(toolID) {
			continue
		}
		if !rule.MatchesConditions(params) {
			continue
		}
		if rule.CEL != "" {
			ok, err := s.cel.Evaluate(ctx, rule.CEL, params, roles, toolID)
			if err != nil {
				s.logger.Warn("rule expression failed, treating as non-match",
					"policy_version", active.Version, "rule_index", i, "error", err)
				continue
			}
			if !ok {
				continue
			}
		}

		decision := policy.DecisionBlock
		if rule.Effect == policy.DecisionAllow {
			decision = policy.DecisionAllow
		}
		reason := rule.Reason
		if reason == "" {
			reason = policy.ReasonRuleMatched
		}
		return policy.Result{Decision: decision, Version: active.Version, Reason: reason}, nil
	}
	return policy.Result{Decision: policy.DecisionBlock, Version: active.Version, Reason: policy.ReasonNoRuleMatched}, nil
}

// selectActive picks the policy with the greatest semantic-version key,
// breaking ties by newest created_at (then highest id, for determinism).
// Unparseable versions sort below all valid ones.
func selectActive(policies []policy.Policy) (policy.Policy, bool) {
	if len(policies) == 0 {
		return policy.Policy{}, false
	}
	best := 0
	bestKey := policy.ParseVersionKey(policies[0].Version)
	for i := 1; i < len(policies); i++ {
		key := policy.ParseVersionKey(policies[i].Version)
		if bestKey.Less(key) {
			best, bestKey = i, key
			continue
		}
		if key.Less(bestKey) {
			continue
		}
		// Equal keys: newest created_at wins; timestamps are fixed-width
		// so string comparison is chronological.
		if policies[i].CreatedAt > policies[best].CreatedAt ||
			(policies[i].CreatedAt == policies[best].CreatedAt && policies[i].ID > policies[best].ID) {
			best, bestKey = i, key
		}
	}
	return policies[best], true
}

// nextVersion bumps the patch component of the lexicographically
// greatest stored version, or starts at firstVersion.
func (s *PolicyService) nextVersion(ctx context.Context) (string, error) {
	current, ok, err := s.store.GreatestVersion(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return firstVersion, nil
	}
	key := policy.ParseVersionKey(current)
	if !key.Valid {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, current)
	}
	return fmt.Sprintf("%d.%d.%d", key.Major, key.Minor, key.Patch+1), nil
}

// NormalizeRules converts a decoded rules value into the stored rule
// sequence. A JSON-encoded string is unwrapped first; entries that are
// not objects are dropped; `tool` is copied to `tool_id` when only the
// former is present. Input order of surviving rules is preserved.
func NormalizeRules(raw any) []policy.Rule {
	if s, ok := raw.(string); ok {
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return []policy.Rule{}
		}
		raw = decoded
	}

	items, ok := raw.([]any)
	if !ok {
		return []policy.Rule{}
	}
	rules := make([]policy.Rule, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if tool, has := obj["tool"]; has {
			if _, hasID := obj["tool_id"]; !hasID {
				obj["tool_id"] = tool
			}
		}
		// Round-trip the object through JSON into the typed rule.
		encoded, err := json.Marshal(obj)
		if err != nil {
			continue
		}
		var rule policy.Rule
		if err := json.Unmarshal(encoded, &rule); err != nil {
			continue
		}
		rules = append(rules, rule)
	}
	return rules
}

// demoRules is the auto-seed policy content.
var demoRules = []policy.Rule{
	{
		Roles:      []string{"reader"},
		ToolID:     "mcp:read_logs",
		Effect:     policy.DecisionAllow,
		Conditions: map[string]any{"limit": map[string]any{"lte": float64(50)}},
		Reason:     "Reader access to logs",
	},
	{
		Roles:      []string{"auditor"},
		ToolID:     "mcp:list_tools",
		Effect:     policy.DecisionAllow,
		Conditions: map[string]any{},
		Reason:     "Auditor can list tools",
	},
	{
		Roles:      []string{"policy_admin"},
		ToolID:     "mcp:modify_policy",
		Effect:     policy.DecisionAllow,
		Conditions: map[string]any{},
		Reason:     "Policy admin privileges",
	},
}

// SeedDemoPolicy inserts the demo policy when the store has none, and
// records the event in the lazily-created version history table.
// Best-effort: callers log and continue on error.
func (s *PolicyService) SeedDemoPolicy(ctx context.Context) error {
	if err := s.store.EnsureVersionHistory(ctx); err != nil {
		return err
	}
	count, err := s.store.CountPolicies(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		s.logger.Debug("policy seed skipped", "existing_policies", count)
		return nil
	}

	p := &policy.Policy{
		Version:              firstVersion,
		Name:                 "demo-autoseed-policy",
		Rules:                demoRules,
		CreatedBy:            "auto-seed",
		SignaturePlaceholder: "approved",
		CreatedAt:            storage.NowUTC(),
	}
	id, err := s.store.InsertPolicy(ctx, p)
	if err != nil {
		return err
	}
	if err := s.store.InsertVersionHistory(ctx, id, firstVersion, "auto-seed demo policy"); err != nil {
		return err
	}
	s.logger.Debug("policy seed inserted", "policy_id", id, "version", firstVersion)
	return nil
}
