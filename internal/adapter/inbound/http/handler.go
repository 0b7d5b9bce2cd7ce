// Package http is the inbound HTTP adapter: routing, request decoding,
// response envelopes, and the operator dashboard.
package http

import (
	_ "embed"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/agent-guard/agentguard/internal/service"
	"github.com/agent-guard/agentguard/internal/storage"
)

//go:embed dashboard.html
var dashboardHTML []byte

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// maxAuditLimit caps /audit listings; ?limit= can only shrink it.
const maxAuditLimit = 200

// Handler exposes the gate over HTTP.
type Handler struct {
	enforcement *service.EnforcementService
	policies    *service.PolicyService
	registry    *service.RegistryService
	generator   *service.GeneratorService
	store       *storage.Store
	metrics     *Metrics

	adminKeyHash string
	logger       *slog.Logger
}

// NewHandler wires the HTTP surface. generator may be nil when no
// generator command is configured.
func NewHandler(
	enforcement *service.EnforcementService,
	policies *service.PolicyService,
	registry *service.RegistryService,
	generator *service.GeneratorService,
	store *storage.Store,
	metrics *Metrics,
	adminKeyHash string,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		enforcement:  enforcement,
		policies:     policies,
		registry:     registry,
		generator:    generator,
		store:        store,
		metrics:      metrics,
		adminKeyHash: adminKeyHash,
		logger:       logger,
	}
}

// Routes builds the full mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.withObservability("/", h.handleDashboard))
	mux.HandleFunc("POST /enforce", h.withObservability("/enforce", h.handleEnforce))
	mux.HandleFunc("GET /audit", h.withObservability("/audit", h.handleAudit))
	mux.HandleFunc("GET /policies", h.withObservability("/policies", h.handleListPolicies))
	mux.HandleFunc("POST /policies", h.withObservability("/policies", h.requireAdminKey(h.handleCreatePolicy)))
	mux.HandleFunc("DELETE /policies/{id}", h.withObservability("/policies/{id}", h.requireAdminKey(h.handleDeletePolicy)))
	mux.HandleFunc("GET /tools", h.withObservability("/tools", h.handleListTools))
	mux.HandleFunc("GET /anomalies", h.withObservability("/anomalies", h.handleListAnomalies))
	mux.HandleFunc("POST /generate_policy", h.withObservability("/generate_policy", h.requireAdminKey(h.handleGeneratePolicy)))
	mux.HandleFunc("GET /healthz", h.withObservability("/healthz", h.handleHealth))
	mux.Handle("GET /metrics", h.metrics.Handler())
	return mux
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("encode response failed", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, code, detail string) {
	h.respondJSON(w, status, map[string]string{"error": code, "detail": detail})
}

func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func (h *Handler) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(dashboardHTML); err != nil {
		h.logger.Error("write dashboard failed", "error", err)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleEnforce(w http.ResponseWriter, r *http.Request) {
	var req service.EnforceRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	if fieldErrs := h.enforcement.ValidateRequest(&req); len(fieldErrs) > 0 {
		h.respondJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "invalid_request",
			"details": fieldErrs,
		})
		return
	}

	decision, err := h.enforcement.Enforce(r.Context(), &req)
	if err != nil {
		h.logger.Error("enforcement pipeline failed", "request_id", req.RequestID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal_error", "enforcement failed")
		return
	}
	h.metrics.Decisions.WithLabelValues(decision.Decision).Inc()
	h.respondJSON(w, decision.Status, decision)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := maxAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxAuditLimit)
	}

	records, err := h.store.ListAudit(r.Context(), limit)
	if err != nil {
		h.logger.Error("list audit failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal_error", "audit query failed")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"count": len(records), "logs": records})
}

func (h *Handler) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.policies.List(r.Context())
	if err != nil {
		h.logger.Error("list policies failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal_error", "policy query failed")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"count": len(policies), "policies": policies})
}

func (h *Handler) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req service.CreateRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	result, err := h.policies.Create(r.Context(), req)
	if err != nil {
		switch {
		case strings.Contains(err.Error(), "UNIQUE"):
			h.respondError(w, http.StatusConflict, "version_exists", "a policy with that version already exists")
		case errors.Is(err, service.ErrInvalidVersion):
			h.respondError(w, http.StatusConflict, "version_not_incrementable", err.Error())
		default:
			h.logger.Error("create policy failed", "error", err)
			h.respondError(w, http.StatusInternalServerError, "internal_error", "policy create failed")
		}
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":     "created",
		"version":    result.Version,
		"created_at": result.CreatedAt,
	})
}

func (h *Handler) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_id", "policy id must be an integer")
		return
	}
	if err := h.policies.Delete(r.Context(), id); err != nil {
		if errors.Is(err, service.ErrPolicyNotFound) {
			h.respondError(w, http.StatusNotFound, "policy_not_found", "no policy with that id")
			return
		}
		h.logger.Error("delete policy failed", "policy_id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal_error", "policy delete failed")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"status": "deleted", "id": id})
}

func (h *Handler) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := h.registry.List(r.Context())
	if err != nil {
		h.logger.Error("list tools failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal_error", "tool query failed")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"count": len(tools), "tools": tools})
}

func (h *Handler) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	anomalies, err := h.store.ListAnomalies(r.Context())
	if err != nil {
		h.logger.Error("list anomalies failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal_error", "anomaly query failed")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"count": len(anomalies), "anomalies": anomalies})
}

// generateRequest is the /generate_policy body.
type generateRequest struct {
	NL string `json:"nl"`
}

func (h *Handler) handleGeneratePolicy(w http.ResponseWriter, r *http.Request) {
	if h.generator == nil {
		h.respondError(w, http.StatusInternalServerError, service.GenErrScriptMissing, "no policy generator configured")
		return
	}
	var req generateRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.NL) == "" {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "nl must be a non-empty string")
		return
	}

	doc, genErr := h.generator.Generate(r.Context(), req.NL)
	if genErr != nil {
		// Every generator failure is a 500; the code field carries the
		// failure class.
		h.respondJSON(w, http.StatusInternalServerError, genErr)
		return
	}
	// The document is returned, not persisted; clients submit it
	// through POST /policies like any other policy.
	h.respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "policy": doc})
}
