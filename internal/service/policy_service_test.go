package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/agent-guard/agentguard/internal/domain/policy"
	"github.com/agent-guard/agentguard/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "service-test.db")
	s, err := storage.Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newPolicyService(t *testing.T, store *storage.Store) *PolicyService {
	t.Helper()
	svc, err := NewPolicyService(store, testLogger())
	if err != nil {
		t.Fatalf("NewPolicyService failed: %v", err)
	}
	return svc
}

func TestCreateAutoVersioning(t *testing.T) {
	svc := newPolicyService(t, newTestStore(t))
	ctx := context.Background()

	first, err := svc.Create(ctx, CreateRequest{Name: "first", Rules: []any{}})
	if err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	if first.Version != "1.0.0" {
		t.Errorf("first auto version = %q, want 1.0.0", first.Version)
	}

	second, err := svc.Create(ctx, CreateRequest{Name: "second", Rules: []any{}})
	if err != nil {
		t.Fatalf("second Create failed: %v", err)
	}
	if second.Version != "1.0.1" {
		t.Errorf("second auto version = %q, want 1.0.1", second.Version)
	}

	// Explicit versions are taken verbatim.
	explicit, err := svc.Create(ctx, CreateRequest{Version: "2.5.0", Rules: []any{}})
	if err != nil {
		t.Fatalf("explicit Create failed: %v", err)
	}
	if explicit.Version != "2.5.0" {
		t.Errorf("explicit version = %q, want 2.5.0", explicit.Version)
	}
}

func TestCreateAutoVersionAfterInvalid(t *testing.T) {
	store := newTestStore(t)
	svc := newPolicyService(t, store)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateRequest{Version: "zzz-not-semver", Rules: []any{}}); err != nil {
		t.Fatalf("Create with odd version failed: %v", err)
	}
	if _, err := svc.Create(ctx, CreateRequest{Rules: []any{}}); !errors.Is(err, ErrInvalidVersion) {
		t.Errorf("auto-version after invalid = %v, want ErrInvalidVersion", err)
	}
}

func TestNormalizeRules(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want int
	}{
		{"nil input", nil, 0},
		{"non-array", map[string]any{"roles": []any{"r"}}, 0},
		{
			"array with non-objects dropped",
			[]any{"garbage", float64(7), map[string]any{"roles": []any{"reader"}, "tool_id": "mcp:read_logs", "effect": "ALLOW"}},
			1,
		},
		{
			"json string unwrapped",
			`[{"roles":["reader"],"tool_id":"mcp:read_logs","effect":"ALLOW"}]`,
			1,
		},
		{"unparseable string", `{not json`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeRules(tt.in)
			if got == nil {
				t.Fatal("NormalizeRules returned nil, want empty slice")
			}
			if len(got) != tt.want {
				t.Errorf("rules = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestNormalizeRulesToolAlias(t *testing.T) {
	got := NormalizeRules([]any{
		map[string]any{"roles": []any{"reader"}, "tool": "mcp:read_logs", "effect": "ALLOW"},
		map[string]any{"roles": []any{"ops"}, "tool": "ignored", "tool_id": "mcp:run_shell_sim", "effect": "BLOCK"},
	})
	if len(got) != 2 {
		t.Fatalf("rules = %d, want 2", len(got))
	}
	if got[0].ToolID != "mcp:read_logs" {
		t.Errorf("tool alias not copied: %+v", got[0])
	}
	if got[1].ToolID != "mcp:run_shell_sim" {
		t.Errorf("explicit tool_id must win over tool: %+v", got[1])
	}
}

func TestEvaluateNoPolicy(t *testing.T) {
	svc := newPolicyService(t, newTestStore(t))

	result, err := svc.Evaluate(context.Background(), []string{"reader"}, "mcp:read_logs", map[string]any{})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Decision != policy.DecisionBlock || result.Reason != policy.ReasonNoPolicy || result.Version != "" {
		t.Errorf("got %+v, want BLOCK/no_policy with no version", result)
	}
}

func TestEvaluateActivePolicySelection(t *testing.T) {
	store := newTestStore(t)
	svc := newPolicyService(t, store)
	ctx := context.Background()

	allow := []any{map[string]any{"roles": []any{"reader"}, "tool_id": "mcp:read_logs", "effect": "ALLOW"}}
	deny := []any{}

	// Inserted later but semantically older: must not win.
	if _, err := svc.Create(ctx, CreateRequest{Version: "1.0.10", Name: "newer-key", Rules: allow}); err != nil {
		t.Fatalf("Create 1.0.10 failed: %v", err)
	}
	if _, err := svc.Create(ctx, CreateRequest{Version: "1.0.2", Name: "older-key", Rules: deny}); err != nil {
		t.Fatalf("Create 1.0.2 failed: %v", err)
	}

	result, err := svc.Evaluate(ctx, []string{"reader"}, "mcp:read_logs", map[string]any{})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Version != "1.0.10" {
		t.Errorf("active version = %q, want semantically greatest 1.0.10", result.Version)
	}
	if result.Decision != policy.DecisionAllow {
		t.Errorf("decision = %q, want ALLOW from active policy", result.Decision)
	}
}

func TestEvaluateInvalidVersionsSortLowest(t *testing.T) {
	svc := newPolicyService(t, newTestStore(t))
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateRequest{Version: "zz-experimental", Name: "exp", Rules: []any{
		map[string]any{"roles": []any{"reader"}, "tool_id": "mcp:read_logs", "effect": "ALLOW"},
	}}); err != nil {
		t.Fatalf("Create experimental failed: %v", err)
	}
	if _, err := svc.Create(ctx, CreateRequest{Version: "0.0.1", Name: "valid", Rules: []any{}}); err != nil {
		t.Fatalf("Create 0.0.1 failed: %v", err)
	}

	result, err := svc.Evaluate(ctx, []string{"reader"}, "mcp:read_logs", map[string]any{})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Version != "0.0.1" {
		t.Errorf("active version = %q, want valid 0.0.1 over unparseable", result.Version)
	}
}

func TestEvaluateRuleOrderAndConditions(t *testing.T) {
	svc := newPolicyService(t, newTestStore(t))
	ctx := context.Background()

	rules := []any{
		map[string]any{
			"roles": []any{"reader"}, "tool_id": "mcp:read_logs", "effect": "ALLOW",
			"conditions": map[string]any{"limit": map[string]any{"lte": float64(50)}},
			"reason":     "within limit",
		},
		map[string]any{
			"roles": []any{"reader"}, "tool_id": "mcp:read_logs", "effect": "BLOCK",
			"reason": "fallback deny",
		},
	}
	if _, err := svc.Create(ctx, CreateRequest{Version: "1.0.0", Rules: rules}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	tests := []struct {
		name       string
		params     map[string]any
		decision   string
		reason     string
	}{
		{"within condition", map[string]any{"limit": float64(10)}, policy.DecisionAllow, "within limit"},
		{"over condition falls to next rule", map[string]any{"limit": float64(99)}, policy.DecisionBlock, "fallback deny"},
		{"absent param falls to next rule", map[string]any{}, policy.DecisionBlock, "fallback deny"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := svc.Evaluate(ctx, []string{"reader"}, "mcp:read_logs", tt.params)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if result.Decision != tt.decision || result.Reason != tt.reason {
				t.Errorf("got %s/%s, want %s/%s", result.Decision, result.Reason, tt.decision, tt.reason)
			}
		})
	}
}

func TestEvaluateNoRuleMatched(t *testing.T) {
	svc := newPolicyService(t, newTestStore(t))
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateRequest{Version: "1.0.0", Rules: []any{
		map[string]any{"roles": []any{"admin"}, "tool_id": "mcp:modify_policy", "effect": "ALLOW"},
	}}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	result, err := svc.Evaluate(ctx, []string{"reader"}, "mcp:read_logs", map[string]any{})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Decision != policy.DecisionBlock || result.Reason != policy.ReasonNoRuleMatched {
		t.Errorf("got %+v, want BLOCK/no_rule_matched", result)
	}
	if result.Version != "1.0.0" {
		t.Errorf("version = %q, want active policy version on no-match", result.Version)
	}
}

func TestEvaluateExpressionCondition(t *testing.T) {
	svc := newPolicyService(t, newTestStore(t))
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateRequest{Version: "1.0.0", Rules: []any{
		map[string]any{
			"roles": []any{"reader"}, "tool_id": "mcp:read_sensitive_sim", "effect": "ALLOW",
			"cel":    `has(params.path) && !params.path.startsWith("/etc")`,
			"reason": "non-system path",
		},
	}}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	allowed, err := svc.Evaluate(ctx, []string{"reader"}, "mcp:read_sensitive_sim", map[string]any{"path": "/var/log/syslog"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if allowed.Decision != policy.DecisionAllow {
		t.Errorf("decision = %q, want ALLOW for non-system path", allowed.Decision)
	}

	blocked, err := svc.Evaluate(ctx, []string{"reader"}, "mcp:read_sensitive_sim", map[string]any{"path": "/etc/shadow"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if blocked.Decision != policy.DecisionBlock || blocked.Reason != policy.ReasonNoRuleMatched {
		t.Errorf("got %+v, want BLOCK/no_rule_matched when expression is false", blocked)
	}
}

func TestSeedDemoPolicy(t *testing.T) {
	store := newTestStore(t)
	svc := newPolicyService(t, store)
	ctx := context.Background()

	if err := svc.SeedDemoPolicy(ctx); err != nil {
		t.Fatalf("SeedDemoPolicy failed: %v", err)
	}
	// Second call must be a no-op, not a duplicate-version error.
	if err := svc.SeedDemoPolicy(ctx); err != nil {
		t.Fatalf("second SeedDemoPolicy failed: %v", err)
	}

	policies, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("policies = %d, want 1 after double seed", len(policies))
	}
	if policies[0].CreatedBy != "auto-seed" || policies[0].Version != "1.0.0" {
		t.Errorf("unexpected seeded policy: %+v", policies[0])
	}

	// Seeded rules drive real decisions.
	result, err := svc.Evaluate(ctx, []string{"reader"}, "mcp:read_logs", map[string]any{"limit": float64(10)})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Decision != policy.DecisionAllow {
		t.Errorf("seeded reader rule: decision = %q, want ALLOW", result.Decision)
	}
}

func TestDeletePolicy(t *testing.T) {
	svc := newPolicyService(t, newTestStore(t))
	ctx := context.Background()

	if err := svc.Delete(ctx, 12345); !errors.Is(err, ErrPolicyNotFound) {
		t.Errorf("Delete missing = %v, want ErrPolicyNotFound", err)
	}

	if _, err := svc.Create(ctx, CreateRequest{Version: "1.0.0", Rules: []any{}}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	policies, err := svc.List(ctx)
	if err != nil || len(policies) != 1 {
		t.Fatalf("List = %d policies, err %v", len(policies), err)
	}
	if err := svc.Delete(ctx, policies[0].ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
}
