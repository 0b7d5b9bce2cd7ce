package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Generator failure codes, stable for API clients.
const (
	GenErrScriptMissing   = "script_missing"
	GenErrTimeout         = "timeout"
	GenErrGeneratorFailed = "generator_failed"
	GenErrInvalidJSON     = "invalid_json"
	GenErrInvalidDocument = "invalid_document"
)

// generatorTimeout bounds a single generator invocation.
const generatorTimeout = 60 * time.Second

// policyDocumentSchema is the contract the external generator must
// satisfy. Output failing it is discarded; the generator is never
// trusted to write policies directly.
const policyDocumentSchema = `{
  "type": "object",
  "required": ["id", "version", "name", "created_by", "created_at", "description", "rules", "assumptions", "examples", "test_vectors"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+$"},
    "name": {"type": "string", "minLength": 1},
    "created_by": {"type": "string"},
    "created_at": {"type": "string"},
    "description": {"type": "string"},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "roles", "tool", "effect"],
        "properties": {
          "id": {"type": "string"},
          "roles": {"type": "array", "items": {"type": "string"}},
          "tool": {"type": "string"},
          "effect": {"type": "string", "enum": ["allow", "deny"]},
          "conditions": {"type": "object"}
        }
      }
    },
    "assumptions": {"type": "array", "items": {"type": "string"}},
    "examples": {
      "type": "object",
      "required": ["allowed", "blocked"],
      "properties": {
        "allowed": {"type": "array"},
        "blocked": {"type": "array"}
      }
    },
    "test_vectors": {"type": "array"}
  }
}`

// GenError is a structured generator failure.
type GenError struct {
	Code     string `json:"error"`
	Detail   string `json:"detail,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

func (e *GenError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ": " + e.Detail
}

// GeneratorService shells out to an external policy generator and
// validates its stdout against the policy document contract. The
// validated document is returned to the caller, who submits it through
// the normal policy create path.
type GeneratorService struct {
	command []string
	model   string
	timeout time.Duration
	schema  *gojsonschema.Schema
	logger  *slog.Logger
}

// NewGeneratorService compiles the document schema; command is the
// argv prefix of the generator executable.
func NewGeneratorService(command []string, model string, logger *slog.Logger) (*GeneratorService, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(policyDocumentSchema))
	if err != nil {
		return nil, fmt.Errorf("compile policy document schema: %w", err)
	}
	return &GeneratorService{
		command: command,
		model:   model,
		timeout: generatorTimeout,
		schema:  compiled,
		logger:  logger,
	}, nil
}

// Generate runs the generator on a natural-language request and returns
// the validated policy document.
func (s *GeneratorService) Generate(ctx context.Context, naturalLanguage string) (map[string]any, *GenError) {
	if len(s.command) == 0 {
		return nil, &GenError{Code: GenErrScriptMissing, Detail: "no generator command configured"}
	}
	if strings.ContainsRune(s.command[0], os.PathSeparator) {
		if _, err := os.Stat(s.command[0]); err != nil {
			return nil, &GenError{Code: GenErrScriptMissing, Detail: s.command[0]}
		}
	} else if _, err := exec.LookPath(s.command[0]); err != nil {
		return nil, &GenError{Code: GenErrScriptMissing, Detail: s.command[0]}
	}

	args := append([]string{}, s.command[1:]...)
	args = append(args, "--nl", naturalLanguage)
	if s.model != "" {
		args = append(args, "--model", s.model)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.command[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	s.logger.Info("generator invoked",
		"command", s.command[0], "duration", time.Since(start), "error", err)

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, &GenError{Code: GenErrTimeout, Detail: fmt.Sprintf("generator exceeded %s", s.timeout)}
	}
	if err != nil {
		genErr := &GenError{
			Code:   GenErrGeneratorFailed,
			Detail: err.Error(),
			Stderr: truncate(stderr.String(), 2048),
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			genErr.ExitCode = exitErr.ExitCode()
		}
		return nil, genErr
	}

	var doc map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &doc); err != nil {
		return nil, &GenError{Code: GenErrInvalidJSON, Detail: err.Error()}
	}

	result, err := s.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, &GenError{Code: GenErrInvalidDocument, Detail: err.Error()}
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, &GenError{Code: GenErrInvalidDocument, Detail: strings.Join(problems, "; ")}
	}
	return doc, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
