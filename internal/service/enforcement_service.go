package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agent-guard/agentguard/internal/domain/audit"
	"github.com/agent-guard/agentguard/internal/domain/policy"
	"github.com/agent-guard/agentguard/internal/storage"
	"github.com/agent-guard/agentguard/pkg/canonjson"
)

// defaultToolVersion is applied when a request omits tool_version. The
// built-in catalog registers tools at "1.0.0", so a defaulted request
// misses the registry unless a "1.0" row was registered out of band.
const defaultToolVersion = "1.0"

// EnforceRequest is an inbound tool invocation. Roles and params
// distinguish explicitly-empty from absent: a missing field decodes to
// nil, an empty JSON collection to a non-nil zero-length value.
type EnforceRequest struct {
	AgentID     string         `json:"agent_id" validate:"required"`
	AgentRoles  []string       `json:"agent_roles"`
	ToolID      string         `json:"tool_id" validate:"required"`
	ToolVersion string         `json:"tool_version"`
	Params      map[string]any `json:"params"`
	RequestID   string         `json:"request_id" validate:"required"`
}

// FieldError describes one structural validation failure.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// Decision is the enforcement response envelope. Status carries the
// HTTP status the outcome maps to; it is not serialized.
type Decision struct {
	Decision      string  `json:"decision"`
	PolicyVersion *string `json:"policy_version"`
	Reason        string  `json:"reason"`
	RequestHash   string  `json:"request_hash"`

	Status int `json:"-"`
}

// EnforcementService runs the atomic decision pipeline: structural
// validation, registry lookup, signature verification, parameter schema
// validation, policy evaluation. Every post-validation outcome writes
// exactly one audit row before the decision is returned.
type EnforcementService struct {
	registry *RegistryService
	policies *PolicyService
	store    *storage.Store
	validate *validator.Validate
	tracer   trace.Tracer
	logger   *slog.Logger
}

// NewEnforcementService wires the pipeline.
func NewEnforcementService(registry *RegistryService, policies *PolicyService, store *storage.Store, logger *slog.Logger) *EnforcementService {
	return &EnforcementService{
		registry: registry,
		policies: policies,
		store:    store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		tracer:   otel.Tracer("agentguard/enforcement"),
		logger:   logger,
	}
}

// ValidateRequest checks the structural shape of an enforcement request
// and returns machine-readable field errors. agent_roles and params must
// be present, though either may be empty.
func (s *EnforcementService) ValidateRequest(req *EnforceRequest) []FieldError {
	var fieldErrs []FieldError
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok {
			for _, fe := range verrs {
				fieldErrs = append(fieldErrs, FieldError{
					Field: jsonFieldName(fe.Field()),
					Error: "field required",
				})
			}
		} else {
			fieldErrs = append(fieldErrs, FieldError{Field: "request", Error: err.Error()})
		}
	}
	if req.AgentRoles == nil {
		fieldErrs = append(fieldErrs, FieldError{Field: "agent_roles", Error: "field required"})
	}
	if req.Params == nil {
		fieldErrs = append(fieldErrs, FieldError{Field: "params", Error: "field required"})
	}
	return fieldErrs
}

// Enforce runs the pipeline for one already-validated request.
func (s *EnforcementService) Enforce(ctx context.Context, req *EnforceRequest) (*Decision, error) {
	ctx, span := s.tracer.Start(ctx, "enforce",
		trace.WithAttributes(
			attribute.String("agent.id", req.AgentID),
			attribute.String("tool.id", req.ToolID),
		))
	defer span.End()

	toolVersion := req.ToolVersion
	if toolVersion == "" {
		toolVersion = defaultToolVersion
		s.logger.Debug("tool_version absent, defaulted", "request_id", req.RequestID, "tool_version", toolVersion)
	}
	requestHash := requestHash(req, toolVersion)
	paramsHash := hashParams(req.Params)

	outcome := func(decision, reason string, policyVersion *string, status int) (*Decision, error) {
		rec := &audit.Record{
			RequestID:     req.RequestID,
			AgentID:       req.AgentID,
			Roles:         strings.Join(req.AgentRoles, ","),
			ToolID:        req.ToolID,
			ToolVersion:   toolVersion,
			ParamsHash:    paramsHash,
			Decision:      decision,
			Reason:        reason,
			PolicyVersion: policyVersion,
			CreatedAt:     storage.NowUTC(),
		}
		if err := s.store.InsertAudit(ctx, rec); err != nil {
			return nil, fmt.Errorf("write audit record: %w", err)
		}
		span.SetAttributes(
			attribute.String("enforce.decision", decision),
			attribute.String("enforce.reason", reason),
		)
		s.logger.Info("enforcement decision",
			"request_id", req.RequestID, "agent_id", req.AgentID,
			"tool_id", req.ToolID, "decision", decision, "reason", reason)
		return &Decision{
			Decision:      decision,
			PolicyVersion: policyVersion,
			Reason:        reason,
			RequestHash:   requestHash,
			Status:        status,
		}, nil
	}

	def, err := s.registry.Get(ctx, req.ToolID, toolVersion)
	if err != nil {
		if errors.Is(err, ErrToolNotFound) {
			return outcome(policy.DecisionBlock, "tool_not_found", nil, http.StatusNotFound)
		}
		return nil, err
	}

	if !s.registry.Verify(def) {
		s.logger.Warn("tool signature verification failed",
			"request_id", req.RequestID, "tool_id", req.ToolID, "tool_version", toolVersion)
		return outcome(policy.DecisionBlock, "invalid_tool_signature", nil, http.StatusForbidden)
	}

	if problems := s.registry.SchemaFor(req.ToolID).Validate(req.Params); len(problems) > 0 {
		// Only the first violation is reported; schemas validate fields
		// in declaration order.
		reason := "schema_error:" + problems[0]
		return outcome(policy.DecisionBlock, reason, nil, http.StatusBadRequest)
	}

	result, err := s.policies.Evaluate(ctx, req.AgentRoles, req.ToolID, req.Params)
	if err != nil {
		return nil, err
	}
	var policyVersion *string
	if result.Version != "" {
		v := result.Version
		policyVersion = &v
	}
	status := http.StatusOK
	if result.Decision != policy.DecisionAllow {
		status = http.StatusForbidden
	}
	return outcome(result.Decision, result.Reason, policyVersion, status)
}

// requestHash computes the canonical hash of the full request with the
// defaulted tool_version substituted in, so retried requests with and
// without an explicit default hash identically.
func requestHash(req *EnforceRequest, toolVersion string) string {
	roles := req.AgentRoles
	if roles == nil {
		roles = []string{}
	}
	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	return canonjson.HashValue(map[string]any{
		"agent_id":     req.AgentID,
		"agent_roles":  roles,
		"tool_id":      req.ToolID,
		"tool_version": toolVersion,
		"params":       params,
		"request_id":   req.RequestID,
	})
}

// hashParams hashes each parameter value individually so audit rows
// never carry raw parameter content.
func hashParams(params map[string]any) map[string]string {
	hashed := make(map[string]string, len(params))
	for name, value := range params {
		hashed[name] = canonjson.HashValue(value)
	}
	return hashed
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}

// jsonFieldName maps the struct field names validator reports back to
// their wire names.
func jsonFieldName(field string) string {
	switch field {
	case "AgentID":
		return "agent_id"
	case "ToolID":
		return "tool_id"
	case "RequestID":
		return "request_id"
	case "AgentRoles":
		return "agent_roles"
	case "ToolVersion":
		return "tool_version"
	case "Params":
		return "params"
	}
	return field
}
