package service

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/agent-guard/agentguard/internal/domain/policy"
	"github.com/agent-guard/agentguard/internal/domain/tool"
	"github.com/agent-guard/agentguard/internal/storage"
)

func staticSecret(s string) tool.SecretSource {
	return func() []byte { return []byte(s) }
}

// newEnforcement wires a full pipeline on a fresh store with the demo
// policy seeded.
func newEnforcement(t *testing.T, store *storage.Store) *EnforcementService {
	t.Helper()
	ctx := context.Background()

	registry, err := NewRegistryService(ctx, store, tool.Signer{Secret: staticSecret("test-secret")}, testLogger())
	if err != nil {
		t.Fatalf("NewRegistryService failed: %v", err)
	}
	policies := newPolicyService(t, store)
	if err := policies.SeedDemoPolicy(ctx); err != nil {
		t.Fatalf("SeedDemoPolicy failed: %v", err)
	}
	return NewEnforcementService(registry, policies, store, testLogger())
}

func validRequest() *EnforceRequest {
	return &EnforceRequest{
		AgentID:     "agent-007",
		AgentRoles:  []string{"reader"},
		ToolID:      "mcp:read_logs",
		ToolVersion: "1.0.0",
		Params:      map[string]any{"limit": float64(10)},
		RequestID:   "req-1",
	}
}

func TestValidateRequest(t *testing.T) {
	svc := newEnforcement(t, newTestStore(t))

	if errs := svc.ValidateRequest(validRequest()); len(errs) != 0 {
		t.Errorf("valid request reported errors: %+v", errs)
	}

	missing := &EnforceRequest{}
	errs := svc.ValidateRequest(missing)
	fields := make(map[string]bool)
	for _, fe := range errs {
		fields[fe.Field] = true
	}
	for _, want := range []string{"agent_id", "tool_id", "request_id", "agent_roles", "params"} {
		if !fields[want] {
			t.Errorf("missing validation error for %s, got %+v", want, errs)
		}
	}

	// Explicitly-empty collections are present, just empty.
	empty := validRequest()
	empty.AgentRoles = []string{}
	empty.Params = map[string]any{}
	if errs := svc.ValidateRequest(empty); len(errs) != 0 {
		t.Errorf("empty roles/params must validate, got %+v", errs)
	}
}

func TestEnforceAllow(t *testing.T) {
	store := newTestStore(t)
	svc := newEnforcement(t, store)
	ctx := context.Background()

	decision, err := svc.Enforce(ctx, validRequest())
	if err != nil {
		t.Fatalf("Enforce failed: %v", err)
	}
	if decision.Decision != policy.DecisionAllow || decision.Status != http.StatusOK {
		t.Errorf("got %s/%d, want ALLOW/200", decision.Decision, decision.Status)
	}
	if decision.PolicyVersion == nil || *decision.PolicyVersion != "1.0.0" {
		t.Errorf("policy_version = %v, want 1.0.0", decision.PolicyVersion)
	}
	if decision.RequestHash == "" {
		t.Error("request_hash must be set")
	}

	count, err := store.CountAuditByRequestID(ctx, "req-1")
	if err != nil {
		t.Fatalf("CountAuditByRequestID failed: %v", err)
	}
	if count != 1 {
		t.Errorf("audit rows = %d, want exactly 1", count)
	}
}

func TestEnforceBlockOverLimit(t *testing.T) {
	svc := newEnforcement(t, newTestStore(t))

	req := validRequest()
	req.Params = map[string]any{"limit": float64(99)}
	decision, err := svc.Enforce(context.Background(), req)
	if err != nil {
		t.Fatalf("Enforce failed: %v", err)
	}
	if decision.Decision != policy.DecisionBlock || decision.Status != http.StatusForbidden {
		t.Errorf("got %s/%d, want BLOCK/403", decision.Decision, decision.Status)
	}
	if decision.Reason != policy.ReasonNoRuleMatched {
		t.Errorf("reason = %q, want no_rule_matched", decision.Reason)
	}
}

func TestEnforceToolNotFound(t *testing.T) {
	store := newTestStore(t)
	svc := newEnforcement(t, store)
	ctx := context.Background()

	req := validRequest()
	req.ToolID = "mcp:nonexistent"
	req.RequestID = "req-missing-tool"
	decision, err := svc.Enforce(ctx, req)
	if err != nil {
		t.Fatalf("Enforce failed: %v", err)
	}
	if decision.Decision != policy.DecisionBlock || decision.Status != http.StatusNotFound {
		t.Errorf("got %s/%d, want BLOCK/404", decision.Decision, decision.Status)
	}
	if decision.Reason != "tool_not_found" {
		t.Errorf("reason = %q, want tool_not_found", decision.Reason)
	}
	if decision.PolicyVersion != nil {
		t.Errorf("policy_version = %v, want nil before policy stage", decision.PolicyVersion)
	}

	count, err := store.CountAuditByRequestID(ctx, "req-missing-tool")
	if err != nil {
		t.Fatalf("CountAuditByRequestID failed: %v", err)
	}
	if count != 1 {
		t.Errorf("audit rows = %d, want 1 even for failed lookups", count)
	}
}

func TestEnforceDefaultVersionMissesCatalog(t *testing.T) {
	svc := newEnforcement(t, newTestStore(t))

	// The catalog registers 1.0.0; the absent-version default is 1.0.
	req := validRequest()
	req.ToolVersion = ""
	decision, err := svc.Enforce(context.Background(), req)
	if err != nil {
		t.Fatalf("Enforce failed: %v", err)
	}
	if decision.Status != http.StatusNotFound || decision.Reason != "tool_not_found" {
		t.Errorf("got %d/%s, want 404/tool_not_found for defaulted version", decision.Status, decision.Reason)
	}
}

func TestEnforceTamperedSignature(t *testing.T) {
	store := newTestStore(t)
	// Bootstrap once with one key, then rebuild the pipeline with
	// another. Upsert keeps the original rows, so every stored
	// signature fails verification under the new key.
	ctx := context.Background()
	if _, err := NewRegistryService(ctx, store, tool.Signer{Secret: staticSecret("original-key")}, testLogger()); err != nil {
		t.Fatalf("bootstrap registry failed: %v", err)
	}
	registry, err := NewRegistryService(ctx, store, tool.Signer{Secret: staticSecret("rotated-key")}, testLogger())
	if err != nil {
		t.Fatalf("second registry failed: %v", err)
	}
	policies := newPolicyService(t, store)
	svc := NewEnforcementService(registry, policies, store, testLogger())

	decision, err := svc.Enforce(ctx, validRequest())
	if err != nil {
		t.Fatalf("Enforce failed: %v", err)
	}
	if decision.Decision != policy.DecisionBlock || decision.Status != http.StatusForbidden {
		t.Errorf("got %s/%d, want BLOCK/403", decision.Decision, decision.Status)
	}
	if decision.Reason != "invalid_tool_signature" {
		t.Errorf("reason = %q, want invalid_tool_signature", decision.Reason)
	}
}

func TestEnforceSchemaError(t *testing.T) {
	store := newTestStore(t)
	svc := newEnforcement(t, store)
	ctx := context.Background()

	req := validRequest()
	req.Params = map[string]any{"limit": float64(5073)}
	req.RequestID = "req-schema"
	decision, err := svc.Enforce(ctx, req)
	if err != nil {
		t.Fatalf("Enforce failed: %v", err)
	}
	if decision.Decision != policy.DecisionBlock || decision.Status != http.StatusBadRequest {
		t.Errorf("got %s/%d, want BLOCK/400", decision.Decision, decision.Status)
	}
	if decision.Reason != "schema_error:limit: value 5073 greater than maximum 100" {
		t.Errorf("reason = %q, want the exact first violation", decision.Reason)
	}

	records, err := store.ListAudit(ctx, 10)
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	found := false
	for _, rec := range records {
		if rec.RequestID == "req-schema" {
			found = true
			if !strings.HasPrefix(rec.Reason, "schema_error:") {
				t.Errorf("audit reason = %q, want schema_error: prefix", rec.Reason)
			}
			if rec.PolicyVersion != nil {
				t.Errorf("audit policy_version = %v, want nil before policy stage", rec.PolicyVersion)
			}
		}
	}
	if !found {
		t.Error("no audit row for schema failure")
	}
}

func TestEnforceSchemaErrorReportsFirstViolationOnly(t *testing.T) {
	svc := newEnforcement(t, newTestStore(t))

	// metrics_write declares series then value; both absent must yield
	// only the first field's message.
	req := validRequest()
	req.ToolID = "mcp:metrics_write"
	req.Params = map[string]any{}
	req.RequestID = "req-schema-multi"
	decision, err := svc.Enforce(context.Background(), req)
	if err != nil {
		t.Fatalf("Enforce failed: %v", err)
	}
	if decision.Reason != "schema_error:series: field required" {
		t.Errorf("reason = %q, want only the first violation", decision.Reason)
	}
	if strings.Contains(decision.Reason, ";") {
		t.Errorf("reason %q must not join multiple violations", decision.Reason)
	}
}

func TestEnforceAuditRowContent(t *testing.T) {
	store := newTestStore(t)
	svc := newEnforcement(t, store)
	ctx := context.Background()

	req := validRequest()
	req.AgentRoles = []string{"reader", "auditor"}
	req.Params = map[string]any{"limit": float64(10), "filter": "error"}
	if _, err := svc.Enforce(ctx, req); err != nil {
		t.Fatalf("Enforce failed: %v", err)
	}

	records, err := store.ListAudit(ctx, 1)
	if err != nil || len(records) != 1 {
		t.Fatalf("ListAudit = %d records, err %v", len(records), err)
	}
	rec := records[0]
	if rec.Roles != "reader,auditor" {
		t.Errorf("roles = %q, want comma-joined original order", rec.Roles)
	}
	if len(rec.ParamsHash) != 2 {
		t.Fatalf("params_hash entries = %d, want one per param", len(rec.ParamsHash))
	}
	for name, digest := range rec.ParamsHash {
		if len(digest) != 64 {
			t.Errorf("params_hash[%s] = %q, want 64 hex chars", name, digest)
		}
	}
}

func TestRequestHashStability(t *testing.T) {
	a := validRequest()
	b := validRequest()
	if requestHash(a, "1.0.0") != requestHash(b, "1.0.0") {
		t.Error("identical requests must hash identically")
	}

	// The defaulted version participates in the hash.
	c := validRequest()
	c.ToolVersion = ""
	if requestHash(a, "1.0.0") == requestHash(c, "1.0") {
		t.Error("different effective versions must hash differently")
	}
	explicit := validRequest()
	explicit.ToolVersion = "1.0"
	if requestHash(explicit, "1.0") != requestHash(c, "1.0") {
		t.Error("explicit and defaulted 1.0 must hash identically")
	}
}
