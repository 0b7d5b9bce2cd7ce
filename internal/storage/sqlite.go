// Package storage implements the sqlite persistence layer. It owns every
// row: policies, tools, audit log, anomalies, and the lazily-created
// policy version history. All timestamps are fixed-width ISO-8601 UTC
// strings so lexicographic order equals chronological order.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agent-guard/agentguard/internal/domain/audit"
	"github.com/agent-guard/agentguard/internal/domain/policy"
	"github.com/agent-guard/agentguard/internal/domain/tool"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// timeLayout is the stored timestamp format. Fixed six-digit fractional
// seconds keep string comparison consistent with time order.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// NowUTC returns the current time in the stored timestamp format.
func NowUTC() string {
	return time.Now().UTC().Format(timeLayout)
}

// FormatTime renders t in the stored timestamp format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS policies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	version TEXT UNIQUE,
	name TEXT,
	rules TEXT,
	created_by TEXT,
	signature_placeholder TEXT,
	created_at TEXT
);
CREATE TABLE IF NOT EXISTS audit_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT,
	agent_id TEXT,
	roles TEXT,
	tool_id TEXT,
	tool_version TEXT,
	params_hash TEXT,
	decision TEXT,
	reason TEXT,
	policy_version TEXT,
	created_at TEXT
);
CREATE TABLE IF NOT EXISTS tools (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tool_id TEXT,
	version TEXT,
	definition TEXT,
	UNIQUE(tool_id, version)
);
CREATE TABLE IF NOT EXISTS anomalies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT,
	detail TEXT,
	created_at TEXT
);
`

// Store is the sqlite-backed row store. A single writer connection keeps
// concurrent enforcement requests from hitting "database is locked".
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and bootstraps the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single connection serializes writers; readers queue briefly instead
	// of failing under concurrent enforcement load.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("sqlite storage initialized", "database_path", path, "journal_mode", "WAL")
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// --- policies ---

// InsertPolicy persists a policy row and returns its assigned id.
// Versions are unique; inserting a duplicate version fails.
func (s *Store) InsertPolicy(ctx context.Context, p *policy.Policy) (int64, error) {
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return 0, fmt.Errorf("encode rules: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO policies (version, name, rules, created_by, signature_placeholder, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.Version, p.Name, string(rules), p.CreatedBy, p.SignaturePlaceholder, p.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert policy %s: %w", p.Version, err)
	}
	return res.LastInsertId()
}

// ListPolicies returns all policies with rules deserialized, newest
// version string first (lexicographic, matching the legacy listing order).
func (s *Store) ListPolicies(ctx context.Context) ([]policy.Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, version, name, rules, created_by, signature_placeholder, created_at
		 FROM policies ORDER BY version DESC`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []policy.Policy
	for rows.Next() {
		var p policy.Policy
		var rules sql.NullString
		var createdAt sql.NullString
		if err := rows.Scan(&p.ID, &p.Version, &p.Name, &rules, &p.CreatedBy, &p.SignaturePlaceholder, &createdAt); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		p.CreatedAt = createdAt.String
		if rules.Valid && rules.String != "" {
			if err := json.Unmarshal([]byte(rules.String), &p.Rules); err != nil {
				s.logger.Warn("stored policy has undecodable rules", "policy_id", p.ID, "error", err)
				p.Rules = []policy.Rule{}
			}
		} else {
			p.Rules = []policy.Rule{}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GreatestVersion returns the lexicographically greatest stored version.
// The bool is false when no policy exists.
func (s *Store) GreatestVersion(ctx context.Context) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT version FROM policies ORDER BY version DESC LIMIT 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("greatest version: %w", err)
	}
	return v, true, nil
}

// CountPolicies returns the number of stored policies.
func (s *Store) CountPolicies(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM policies`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count policies: %w", err)
	}
	return n, nil
}

// DeletePolicy removes a policy by id. Returns ErrNotFound when no row
// has that id.
func (s *Store) DeletePolicy(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete policy %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- tools ---

// UpsertTool inserts a signed tool definition if the (tool_id, version)
// pair is absent. Existing rows are left untouched.
func (s *Store) UpsertTool(ctx context.Context, d tool.Definition) error {
	def, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode tool %s: %w", d.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tools (tool_id, version, definition) VALUES (?, ?, ?)`,
		d.ID, d.Version, string(def),
	)
	if err != nil {
		return fmt.Errorf("insert tool %s@%s: %w", d.ID, d.Version, err)
	}
	return nil
}

// GetTool returns the stored definition for (toolID, version), or
// ErrNotFound.
func (s *Store) GetTool(ctx context.Context, toolID, version string) (tool.Definition, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM tools WHERE tool_id = ? AND version = ?`, toolID, version,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return tool.Definition{}, ErrNotFound
	}
	if err != nil {
		return tool.Definition{}, fmt.Errorf("get tool %s@%s: %w", toolID, version, err)
	}
	var d tool.Definition
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return tool.Definition{}, fmt.Errorf("decode tool %s@%s: %w", toolID, version, err)
	}
	return d, nil
}

// ListTools returns all stored definitions in insertion order.
func (s *Store) ListTools(ctx context.Context) ([]tool.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM tools ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()

	var out []tool.Definition
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan tool: %w", err)
		}
		var d tool.Definition
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("decode tool: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- audit log ---

// InsertAudit appends one audit record. The row is durable before the
// caller returns its decision.
func (s *Store) InsertAudit(ctx context.Context, rec *audit.Record) error {
	hashes, err := json.Marshal(rec.ParamsHash)
	if err != nil {
		return fmt.Errorf("encode params hash: %w", err)
	}
	var policyVersion any
	if rec.PolicyVersion != nil {
		policyVersion = *rec.PolicyVersion
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (request_id, agent_id, roles, tool_id, tool_version, params_hash, decision, reason, policy_version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.AgentID, rec.Roles, rec.ToolID, rec.ToolVersion,
		string(hashes), rec.Decision, rec.Reason, policyVersion, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit %s: %w", rec.RequestID, err)
	}
	return nil
}

// ListAudit returns audit records newest-first, capped at limit.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]audit.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, agent_id, roles, tool_id, tool_version, params_hash, decision, reason, policy_version, created_at
		 FROM audit_logs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var rec audit.Record
		var hashes sql.NullString
		var policyVersion sql.NullString
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.AgentID, &rec.Roles, &rec.ToolID,
			&rec.ToolVersion, &hashes, &rec.Decision, &rec.Reason, &policyVersion, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if hashes.Valid && hashes.String != "" {
			if err := json.Unmarshal([]byte(hashes.String), &rec.ParamsHash); err != nil {
				s.logger.Warn("audit row has undecodable params_hash", "audit_id", rec.ID, "error", err)
			}
		}
		if policyVersion.Valid {
			v := policyVersion.String
			rec.PolicyVersion = &v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountAuditByRequestID reports how many audit rows carry requestID.
// Used by tests asserting audit completeness.
func (s *Store) CountAuditByRequestID(ctx context.Context, requestID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs WHERE request_id = ?`, requestID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit: %w", err)
	}
	return n, nil
}

// RecentBlocks groups BLOCK records created at or after cutoff by agent,
// returning only agents with at least threshold blocks.
func (s *Store) RecentBlocks(ctx context.Context, cutoff string, threshold int) ([]audit.BlockCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, COUNT(*) AS cnt FROM audit_logs
		 WHERE decision = 'BLOCK' AND created_at >= ?
		 GROUP BY agent_id HAVING cnt >= ?`, cutoff, threshold)
	if err != nil {
		return nil, fmt.Errorf("recent blocks: %w", err)
	}
	defer rows.Close()

	var out []audit.BlockCount
	for rows.Next() {
		var bc audit.BlockCount
		if err := rows.Scan(&bc.AgentID, &bc.Count); err != nil {
			return nil, fmt.Errorf("scan block count: %w", err)
		}
		out = append(out, bc)
	}
	return out, rows.Err()
}

// --- anomalies ---

// InsertAnomalies appends anomaly rows in a single transaction; the
// auditor commits once per scan cycle.
func (s *Store) InsertAnomalies(ctx context.Context, anomalies []audit.Anomaly) error {
	if len(anomalies) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin anomaly tx: %w", err)
	}
	defer tx.Rollback()

	for _, a := range anomalies {
		detail, err := json.Marshal(a.Detail)
		if err != nil {
			return fmt.Errorf("encode anomaly detail: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO anomalies (agent_id, detail, created_at) VALUES (?, ?, ?)`,
			a.AgentID, string(detail), a.CreatedAt); err != nil {
			return fmt.Errorf("insert anomaly for %s: %w", a.AgentID, err)
		}
	}
	return tx.Commit()
}

// ListAnomalies returns anomaly rows newest-first.
func (s *Store) ListAnomalies(ctx context.Context) ([]audit.Anomaly, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, detail, created_at FROM anomalies ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	defer rows.Close()

	var out []audit.Anomaly
	for rows.Next() {
		var a audit.Anomaly
		var detail sql.NullString
		if err := rows.Scan(&a.ID, &a.AgentID, &detail, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &a.Detail); err != nil {
				s.logger.Warn("anomaly row has undecodable detail", "anomaly_id", a.ID, "error", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- demo seed history ---

// EnsureVersionHistory lazily creates the policy_version_history table.
// Only the demo seed path uses it.
func (s *Store) EnsureVersionHistory(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS policy_version_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			policy_id INTEGER,
			version TEXT,
			detail TEXT,
			recorded_at TEXT
		)`)
	if err != nil {
		return fmt.Errorf("create policy_version_history: %w", err)
	}
	return nil
}

// InsertVersionHistory records a seed event for a policy.
func (s *Store) InsertVersionHistory(ctx context.Context, policyID int64, version, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policy_version_history (policy_id, version, detail, recorded_at) VALUES (?, ?, ?, ?)`,
		policyID, version, detail, NowUTC())
	if err != nil {
		return fmt.Errorf("insert version history: %w", err)
	}
	return nil
}
