// Package cel adds CEL-backed custom predicates and a glob matcher to a
// rule registry.
package cel

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/Sentinel-Gate/policyledger/internal/domain/rule"
)

const (
	// PredicateName is the inline predicate. Its "expr" argument holds the
	// CEL source.
	PredicateName = "cel"
	// MatcherGlob is the shell glob pattern syntax.
	MatcherGlob = "glob"
)

// Limits applied to every expression before and while it runs.
const (
	maxExpressionLength = 1024
	maxNestingDepth     = 50 // (), [] and {} combined
	maxCostBudget       = 100_000
	evalTimeout         = 5 * time.Second
	interruptEvery      = 100 // comprehension iterations between cancellation checks
)

// Evaluator compiles CEL expressions once and evaluates them against rule
// contexts.
type Evaluator struct {
	env      *cel.Env
	programs sync.Map // expression -> cel.Program
}

// NewEvaluator creates an evaluator over NewEnvironment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile parses and type-checks expression. Programs are cached by source.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	if prg, ok := e.programs.Load(expression); ok {
		return prg.(cel.Program), nil
	}
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptEvery),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	e.programs.Store(expression, prg)
	return prg, nil
}

// nestingDepth reports the deepest bracket nesting in expr.
func nestingDepth(expr string) int {
	depth, deepest := 0, 0
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			deepest = max(deepest, depth)
		case ')', ']', '}':
			depth--
		}
	}
	return deepest
}

// ValidateExpression checks length and nesting limits, then compiles expr.
func (e *Evaluator) ValidateExpression(expr string) error {
	switch n := len(expr); {
	case n == 0:
		return errors.New("expression is empty")
	case n > maxExpressionLength:
		return fmt.Errorf("expression too long: %d characters (max %d)", n, maxExpressionLength)
	}
	if d := nestingDepth(expr); d > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", d, maxNestingDepth)
	}
	if _, err := e.Compile(expr); err != nil {
		return fmt.Errorf("invalid CEL expression: %w", err)
	}
	return nil
}

// Evaluate runs expr against the context fields and predicate args. A
// reference to a key the context lacks reports rule.ErrMissingField.
func (e *Evaluator) Evaluate(expr string, ctx rule.Context, args map[string]rule.Value) (bool, error) {
	if err := e.ValidateExpression(expr); err != nil {
		return false, fmt.Errorf("%w: %v", rule.ErrInvalidExpression, err)
	}
	prg, err := e.Compile(expr)
	if err != nil {
		return false, err
	}

	plainArgs := make(map[string]any, len(args))
	for k, v := range args {
		plainArgs[k] = v.Interface()
	}
	activation := map[string]any{
		"fields": ctx.Map(),
		"args":   plainArgs,
	}

	evalCtx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(evalCtx, activation)
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return false, fmt.Errorf("%w: %v", rule.ErrMissingField, err)
		}
		return false, fmt.Errorf("evaluation failed: %w", err)
	}
	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: expression did not return a boolean, got %T", rule.ErrTypeMismatch, result.Value())
	}
	return b, nil
}

// inline evaluates the "expr" argument of a predicate leaf.
func (e *Evaluator) inline(ctx rule.Context, args map[string]rule.Value) (bool, error) {
	expr, ok := args["expr"].Str()
	if !ok {
		return false, fmt.Errorf("%w: cel predicate needs a string expr argument", rule.ErrInvalidExpression)
	}
	return e.Evaluate(expr, ctx, args)
}

// Install registers the inline cel predicate, the glob matcher, and one
// named predicate per entry of named (name -> CEL source). Named
// expressions are validated before anything is registered.
func (e *Evaluator) Install(reg *rule.Registry, named map[string]string) error {
	for name, expr := range named {
		if err := e.ValidateExpression(expr); err != nil {
			return fmt.Errorf("predicate %s: %w", name, err)
		}
	}
	if err := reg.RegisterPredicate(PredicateName, e.inline); err != nil {
		return err
	}
	if err := reg.RegisterMatcher(MatcherGlob, Glob); err != nil {
		return err
	}
	for name, expr := range named {
		expr := expr
		if err := reg.RegisterPredicate(name, func(ctx rule.Context, args map[string]rule.Value) (bool, error) {
			return e.Evaluate(expr, ctx, args)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Glob matches s against a shell pattern.
func Glob(pattern, s string) (bool, error) {
	ok, err := filepath.Match(pattern, s)
	if err != nil {
		return false, fmt.Errorf("%w: bad glob %q: %v", rule.ErrInvalidExpression, pattern, err)
	}
	return ok, nil
}
