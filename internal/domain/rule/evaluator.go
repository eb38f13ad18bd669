package rule

import (
	"fmt"
	"strings"
)

// maxNestingDepth bounds recursion for hand-written or decoded trees.
const maxNestingDepth = 64

// Evaluator evaluates expressions against contexts. It is safe for
// concurrent use and holds no mutable state of its own.
type Evaluator struct {
	registry *Registry
}

// NewEvaluator creates an evaluator bound to reg. A nil registry behaves
// like an empty NewRegistry().
func NewEvaluator(reg *Registry) *Evaluator {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Evaluator{registry: reg}
}

// Registry returns the registry the evaluator dispatches to.
func (ev *Evaluator) Registry() *Registry { return ev.registry }

// Evaluate returns the truth value of expr in ctx. AND and OR short-circuit
// left to right, so a failing right-hand operand is never reached once the
// result is decided.
func (ev *Evaluator) Evaluate(expr Expression, ctx Context) (bool, error) {
	return ev.eval(expr, ctx, 0)
}

func (ev *Evaluator) eval(e Expression, ctx Context, depth int) (bool, error) {
	if depth > maxNestingDepth {
		return false, fmt.Errorf("%w: nesting depth exceeds %d", ErrInvalidExpression, maxNestingDepth)
	}
	switch e.Op {
	case OpAnd:
		if len(e.Children) == 0 {
			return false, fmt.Errorf("%w: and without children", ErrInvalidExpression)
		}
		for _, c := range e.Children {
			ok, err := ev.eval(c, ctx, depth+1)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		if len(e.Children) == 0 {
			return false, fmt.Errorf("%w: or without children", ErrInvalidExpression)
		}
		for _, c := range e.Children {
			ok, err := ev.eval(c, ctx, depth+1)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	case OpNot:
		if len(e.Children) != 1 {
			return false, fmt.Errorf("%w: not requires one child", ErrInvalidExpression)
		}
		ok, err := ev.eval(e.Children[0], ctx, depth+1)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case OpExists:
		_, ok := ctx.Get(e.Field)
		return ok, nil
	case OpNotExists:
		_, ok := ctx.Get(e.Field)
		return !ok, nil
	case OpPredicate:
		return ev.predicate(e, ctx)
	}

	got, ok := ctx.Get(e.Field)
	if !ok {
		return false, &FieldError{Field: e.Field, Err: ErrMissingField}
	}
	switch e.Op {
	case OpEq:
		return got.Equal(e.Value), nil
	case OpNe:
		return !got.Equal(e.Value), nil
	case OpGt, OpGte, OpLt, OpLte:
		return compare(e, got)
	case OpIn:
		return member(got, e.Values), nil
	case OpNotIn:
		return !member(got, e.Values), nil
	case OpContains:
		return contains(e, got)
	case OpStartsWith, OpEndsWith:
		s, isStr := got.Str()
		want, wantStr := e.Value.Str()
		if !isStr || !wantStr {
			return false, &FieldError{Field: e.Field, Err: fmt.Errorf("%w: %s needs strings, got %s", ErrTypeMismatch, e.Op, got.Kind())}
		}
		if e.Op == OpStartsWith {
			return strings.HasPrefix(s, want), nil
		}
		return strings.HasSuffix(s, want), nil
	case OpMatches:
		return ev.match(e, got)
	}
	return false, fmt.Errorf("%w: unknown operator %q", ErrInvalidExpression, e.Op)
}

func compare(e Expression, got Value) (bool, error) {
	c, ok := got.Compare(e.Value)
	if !ok {
		return false, &FieldError{Field: e.Field, Err: fmt.Errorf("%w: cannot order %s against %s", ErrTypeMismatch, got.Kind(), e.Value.Kind())}
	}
	switch e.Op {
	case OpGt:
		return c > 0, nil
	case OpGte:
		return c >= 0, nil
	case OpLt:
		return c < 0, nil
	default:
		return c <= 0, nil
	}
}

func member(v Value, set []Value) bool {
	for _, item := range set {
		if v.Equal(item) {
			return true
		}
	}
	return false
}

func contains(e Expression, got Value) (bool, error) {
	switch got.Kind() {
	case KindList:
		return member(e.Value, got.list), nil
	case KindString:
		want, ok := e.Value.Str()
		if !ok {
			return false, &FieldError{Field: e.Field, Err: fmt.Errorf("%w: contains on string needs a string operand", ErrTypeMismatch)}
		}
		return strings.Contains(got.s, want), nil
	}
	return false, &FieldError{Field: e.Field, Err: fmt.Errorf("%w: contains needs a list or string, got %s", ErrTypeMismatch, got.Kind())}
}

func (ev *Evaluator) match(e Expression, got Value) (bool, error) {
	m, ok := ev.registry.Matcher(e.Matcher)
	if !ok {
		return false, &PredicateError{Name: e.Matcher, Err: ErrUnknownPredicate}
	}
	s, isStr := got.Str()
	if !isStr {
		return false, &FieldError{Field: e.Field, Err: fmt.Errorf("%w: matches needs a string, got %s", ErrTypeMismatch, got.Kind())}
	}
	return m(e.Pattern, s)
}

func (ev *Evaluator) predicate(e Expression, ctx Context) (bool, error) {
	p, ok := ev.registry.Predicate(e.Predicate)
	if !ok {
		return false, &PredicateError{Name: e.Predicate, Err: ErrUnknownPredicate}
	}
	ok, err := p(ctx, e.Args)
	if err != nil {
		return false, &PredicateError{Name: e.Predicate, Err: err}
	}
	return ok, nil
}
