package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agent-guard/agentguard/internal/domain/schema"
	"github.com/agent-guard/agentguard/internal/domain/tool"
	"github.com/agent-guard/agentguard/internal/storage"
)

// ErrToolNotFound is returned when an enforcement request names a tool
// the registry does not hold at the requested version.
var ErrToolNotFound = errors.New("tool not found")

// RegistryService owns the signed tool registry. Definitions are signed
// at bootstrap with the enforcement HMAC key and re-verified on every
// lookup, so a tampered row is detected at request time.
type RegistryService struct {
	store  *storage.Store
	signer tool.Signer
	logger *slog.Logger
}

// NewRegistryService signs the built-in catalog and upserts it into the
// store. Existing rows win over catalog rows, so a registry populated by
// an earlier run keeps its original signatures.
func NewRegistryService(ctx context.Context, store *storage.Store, signer tool.Signer, logger *slog.Logger) (*RegistryService, error) {
	s := &RegistryService{store: store, signer: signer, logger: logger}

	catalog, err := tool.DefaultCatalog()
	if err != nil {
		return nil, fmt.Errorf("load tool catalog: %w", err)
	}
	for _, def := range catalog {
		sig, err := s.signer.Sign(def)
		if err != nil {
			return nil, fmt.Errorf("sign tool %s@%s: %w", def.ID, def.Version, err)
		}
		def.Signature = sig
		if err := store.UpsertTool(ctx, def); err != nil {
			return nil, fmt.Errorf("register tool %s@%s: %w", def.ID, def.Version, err)
		}
	}
	logger.Info("tool registry bootstrapped", "tools", len(catalog))
	return s, nil
}

// Get fetches one registered tool definition.
func (s *RegistryService) Get(ctx context.Context, id, version string) (tool.Definition, error) {
	def, err := s.store.GetTool(ctx, id, version)
	if errors.Is(err, storage.ErrNotFound) {
		return tool.Definition{}, ErrToolNotFound
	}
	return def, err
}

// List returns every registered definition.
func (s *RegistryService) List(ctx context.Context) ([]tool.Definition, error) {
	return s.store.ListTools(ctx)
}

// Verify recomputes the definition's signature and compares it in
// constant time against the stored one.
func (s *RegistryService) Verify(def tool.Definition) bool {
	return s.signer.Verify(def)
}

// SchemaFor returns the parameter validator registered for the tool.
// Unknown tools get a permissive validator; that only happens when the
// registry and the validator set drift, so it is logged.
func (s *RegistryService) SchemaFor(toolID string) schema.Validator {
	v, ok := schema.For(toolID)
	if !ok {
		s.logger.Warn("no parameter schema registered for tool, accepting all params", "tool_id", toolID)
	}
	return v
}
