package tool

import (
	"encoding/json"
	"strings"
	"testing"
)

func staticSecret(s string) SecretSource {
	return func() []byte { return []byte(s) }
}

func TestCanonicalForm(t *testing.T) {
	d := Definition{
		ID:      "mcp:read_logs",
		Version: "1.0.0",
		InputSchema: map[string]any{
			"limit": map[string]any{"type": "integer", "max": 100},
		},
	}
	got, err := d.Canonical()
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	want := `mcp:read_logs|1.0.0|{"limit":{"max":100,"type":"integer"}}`
	if string(got) != want {
		t.Errorf("Canonical = %s, want %s", got, want)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer := Signer{Secret: staticSecret("dev-secret")}
	d := Definition{ID: "mcp:run_shell_sim", Version: "1.0.0", InputSchema: map[string]any{"cmd": map[string]any{"type": "string"}}}

	sig, err := signer.Sign(d)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if len(sig) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(sig))
	}

	d.Signature = sig
	if !signer.Verify(d) {
		t.Error("Verify rejected a freshly signed definition")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signer := Signer{Secret: staticSecret("dev-secret")}
	d := Definition{ID: "mcp:list_tools", Version: "1.0.0", InputSchema: map[string]any{}}
	sig, err := signer.Sign(d)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	d.Signature = sig

	rotated := Signer{Secret: staticSecret("other-secret")}
	if rotated.Verify(d) {
		t.Error("Verify accepted a signature from a different secret")
	}
}

func TestVerifyRejectsTamperedSchema(t *testing.T) {
	signer := Signer{Secret: staticSecret("dev-secret")}
	d := Definition{ID: "mcp:read_logs", Version: "1.0.0", InputSchema: map[string]any{"limit": map[string]any{"max": 100}}}
	sig, err := signer.Sign(d)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	d.Signature = sig
	d.InputSchema = map[string]any{"limit": map[string]any{"max": 10000}}
	if signer.Verify(d) {
		t.Error("Verify accepted a tampered schema")
	}
}

func TestSignatureStableAcrossJSONRoundTrip(t *testing.T) {
	signer := Signer{Secret: staticSecret("dev-secret")}
	defs, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog failed: %v", err)
	}
	for _, d := range defs {
		sig, err := signer.Sign(d)
		if err != nil {
			t.Fatalf("Sign %s failed: %v", d.ID, err)
		}
		d.Signature = sig

		// Store and reload the definition the way the registry does.
		raw, err := json.Marshal(d)
		if err != nil {
			t.Fatalf("marshal %s: %v", d.ID, err)
		}
		var reloaded Definition
		if err := json.Unmarshal(raw, &reloaded); err != nil {
			t.Fatalf("unmarshal %s: %v", d.ID, err)
		}
		if !signer.Verify(reloaded) {
			t.Errorf("signature for %s did not survive a JSON round-trip", d.ID)
		}
	}
}

func TestDefaultCatalog(t *testing.T) {
	defs, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog failed: %v", err)
	}
	if len(defs) != 8 {
		t.Fatalf("catalog size = %d, want 8", len(defs))
	}
	seen := map[string]bool{}
	for _, d := range defs {
		if !strings.HasPrefix(d.ID, "mcp:") {
			t.Errorf("tool %q is not mcp-qualified", d.ID)
		}
		if d.Version != "1.0.0" {
			t.Errorf("tool %q version = %q, want 1.0.0", d.ID, d.Version)
		}
		if seen[d.ID] {
			t.Errorf("duplicate tool id %q", d.ID)
		}
		seen[d.ID] = true
	}
	if !seen["mcp:read_logs"] || !seen["mcp:metrics_write"] {
		t.Error("expected catalog to contain read_logs and metrics_write")
	}
}
