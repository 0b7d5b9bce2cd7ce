// Package tool contains domain types for registry-owned tool definitions
// and their HMAC signatures.
package tool

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/agent-guard/agentguard/pkg/canonjson"
)

// Definition describes a callable tool: its identity, declarative input
// schema, and the HMAC signature computed at bootstrap. Definitions are
// inserted once from the built-in catalog and never mutated.
type Definition struct {
	ID           string           `json:"id" yaml:"id"`
	Version      string           `json:"version" yaml:"version"`
	Description  string           `json:"description" yaml:"description"`
	InputSchema  map[string]any   `json:"input_schema" yaml:"input_schema"`
	ExampleCalls []map[string]any `json:"example_calls,omitempty" yaml:"example_calls,omitempty"`
	Signature    string           `json:"signature,omitempty" yaml:"-"`
}

// Canonical returns the byte string that is signed:
// tool_id || "|" || version || "|" || canonical_json(input_schema).
func (d Definition) Canonical() ([]byte, error) {
	schema, err := canonjson.Marshal(d.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("canonical schema for %s: %w", d.ID, err)
	}
	return []byte(d.ID + "|" + d.Version + "|" + string(schema)), nil
}

// SecretSource supplies the HMAC secret. It is invoked once per signature
// operation so a secret rotated in the environment takes effect on restart
// without re-wiring the signer.
type SecretSource func() []byte

// Signer computes and verifies HMAC-SHA256 signatures over canonical
// tool definitions.
type Signer struct {
	Secret SecretSource
}

// Sign returns the hex HMAC-SHA256 of the definition's canonical form.
func (s Signer) Sign(d Definition) (string, error) {
	msg, err := d.Canonical()
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.Secret())
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether the definition's stored signature matches the
// current secret. Comparison is constant-time.
func (s Signer) Verify(d Definition) bool {
	expected, err := s.Sign(d)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(d.Signature))
}
