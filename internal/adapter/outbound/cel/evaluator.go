// Package cel compiles and evaluates CEL conditions for policy category overrides.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/quotaguard/quotaguard/internal/domain/policy"
)

// maxExpressionLength is the maximum allowed length for condition expressions.
const maxExpressionLength = 1024

// maxCostBudget bounds the runtime cost of one evaluation.
const maxCostBudget = 10_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 32

// evalTimeout caps a single evaluation. Conditions run on the request path.
const evalTimeout = 50 * time.Millisecond

// interruptCheckFreq is how often (in comprehension iterations) context cancellation is checked.
const interruptCheckFreq = 100

// Evaluator compiles CEL expressions into policy conditions.
type Evaluator struct {
	env *cel.Env
}

var _ policy.ConditionCompiler = (*Evaluator)(nil)

// NewEvaluator creates a new CEL evaluator with the override environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewOverrideEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create override environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile parses and type-checks a CEL expression, returning a compiled program.
// The expression must produce a bool.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}

	return prg, nil
}

// validateNesting checks that the expression does not exceed the maximum allowed
// nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// CompileCondition validates and compiles expr into a policy.Condition.
func (e *Evaluator) CompileCondition(expr string) (policy.Condition, error) {
	if expr == "" {
		return nil, errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return nil, err
	}
	prg, err := e.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid CEL expression: %w", err)
	}
	return &condition{expr: expr, prg: prg}, nil
}

type condition struct {
	expr string
	prg  cel.Program
}

// Match evaluates the compiled program against the match context.
func (c *condition) Match(mc policy.MatchContext) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := c.prg.ContextEval(ctx, buildActivation(mc))
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", c.expr, err)
	}

	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not return a boolean, got %T", c.expr, result.Value())
	}
	return b, nil
}

func (c *condition) String() string {
	return c.expr
}
