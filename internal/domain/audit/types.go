// Package audit contains domain types for the append-only audit log and
// the anomalies derived from it.
package audit

import "strings"

// Record describes one enforcement outcome. Exactly one record exists for
// every request that reached parameter validation or ended in a terminal
// BLOCK; client-malformed requests are never audited.
type Record struct {
	ID        int64  `json:"id"`
	RequestID string `json:"request_id"`
	AgentID   string `json:"agent_id"`
	// Roles is the comma-joined role list as stored.
	Roles       string `json:"roles"`
	ToolID      string `json:"tool_id"`
	ToolVersion string `json:"tool_version"`
	// ParamsHash maps each parameter name to the hex SHA-256 of that
	// parameter's canonical JSON encoding. Hashing per value lets an audit
	// consumer confirm a single parameter without revealing the others.
	ParamsHash map[string]string `json:"params_hash"`
	Decision   string            `json:"decision"`
	Reason     string            `json:"reason"`
	// PolicyVersion is nil for outcomes decided before policy evaluation.
	PolicyVersion *string `json:"policy_version"`
	CreatedAt     string  `json:"created_at"`
}

// RoleList splits the stored comma-joined roles back into a slice.
func (r Record) RoleList() []string {
	if r.Roles == "" {
		return nil
	}
	return strings.Split(r.Roles, ",")
}

// Anomaly flags an agent whose BLOCK rate exceeded the auditor threshold
// inside the rolling window. Rows are append-only.
type Anomaly struct {
	ID        int64          `json:"id"`
	AgentID   string         `json:"agent_id"`
	Detail    map[string]any `json:"detail"`
	CreatedAt string         `json:"created_at"`
}

// BlockCount is one group of the auditor's window query: how many BLOCK
// records an agent accumulated inside the window.
type BlockCount struct {
	AgentID string
	Count   int
}
