// Package cel provides a CEL-based evaluator for the optional expression
// condition a policy rule may carry alongside its declarative matchers.
package cel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// maxExpressionLength bounds rule expressions to keep policy documents sane.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit.
const maxCostBudget = 100_000

// evalTimeout is the maximum time allowed for a single evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// Evaluator compiles and evaluates rule expressions. Compiled programs
// are cached by expression hash because policies are re-read from the
// store on every evaluation.
type Evaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[uint64]cel.Program
}

// NewEvaluator creates an evaluator whose environment exposes the three
// variables a rule expression may reference: params, roles, and tool.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("roles", cel.ListType(cel.StringType)),
		cel.Variable("tool", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create policy expression environment: %w", err)
	}
	return &Evaluator{env: env, cache: make(map[uint64]cel.Program)}, nil
}

// Compile parses and type-checks an expression, returning a cached
// program when the expression was seen before.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, errors.New("expression is empty")
	}
	if len(expression) > maxExpressionLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)", len(expression), maxExpressionLength)
	}

	key := xxhash.Sum64String(expression)
	e.mu.RLock()
	prg, ok := e.cache[key]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}

	e.mu.Lock()
	e.cache[key] = prg
	e.mu.Unlock()
	return prg, nil
}

// Evaluate compiles (or fetches) the expression and runs it against the
// request. Returns true only when the expression evaluates to boolean true.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, params map[string]any, roles []string, toolID string) (bool, error) {
	prg, err := e.Compile(expression)
	if err != nil {
		return false, err
	}

	if params == nil {
		params = map[string]any{}
	}
	if roles == nil {
		roles = []string{}
	}

	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	out, _, err := prg.ContextEval(evalCtx, map[string]any{
		"params": params,
		"roles":  roles,
		"tool":   toolID,
	})
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}
	result, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("expression returned %s, want bool", out.Type().TypeName())
	}
	return bool(result), nil
}
