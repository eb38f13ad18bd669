// Package rule implements rule expressions: a recursive boolean tree over
// an evaluation context, with pluggable pattern matchers and predicates.
package rule

import (
	"fmt"
	"sort"
	"strings"
)

// Op is the operator of an expression node.
type Op string

// Comparison leaves.
const (
	OpEq         Op = "eq"
	OpNe         Op = "ne"
	OpGt         Op = "gt"
	OpGte        Op = "gte"
	OpLt         Op = "lt"
	OpLte        Op = "lte"
	OpIn         Op = "in"
	OpNotIn      Op = "not_in"
	OpContains   Op = "contains"
	OpMatches    Op = "matches"
	OpStartsWith Op = "starts_with"
	OpEndsWith   Op = "ends_with"
	OpExists     Op = "exists"
	OpNotExists  Op = "not_exists"
	OpPredicate  Op = "predicate"
)

// Combinators.
const (
	OpAnd Op = "and"
	OpOr  Op = "or"
	OpNot Op = "not"
)

// Expression is one node of a rule expression tree. Nodes hold their
// children by value, so a tree is always finite and acyclic.
type Expression struct {
	// Op selects the operator.
	Op Op `json:"op" yaml:"op"`
	// Field is the context field inspected by leaf operators.
	Field string `json:"field,omitempty" yaml:"field,omitempty"`
	// Value is the operand of comparison leaves.
	Value Value `json:"value,omitzero" yaml:"value,omitempty"`
	// Values is the operand list of in / not_in.
	Values []Value `json:"values,omitempty" yaml:"values,omitempty"`
	// Pattern is the operand of matches.
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	// Matcher names the pattern syntax for matches. Empty means regex.
	Matcher string `json:"matcher,omitempty" yaml:"matcher,omitempty"`
	// Predicate names a registered custom predicate.
	Predicate string `json:"predicate,omitempty" yaml:"predicate,omitempty"`
	// Args are passed to the custom predicate.
	Args map[string]Value `json:"args,omitempty" yaml:"args,omitempty"`
	// Children are the operands of and / or / not.
	Children []Expression `json:"children,omitempty" yaml:"children,omitempty"`
}

// Eq builds field == v.
func Eq(field string, v Value) Expression { return Expression{Op: OpEq, Field: field, Value: v} }

// Ne builds field != v.
func Ne(field string, v Value) Expression { return Expression{Op: OpNe, Field: field, Value: v} }

// Gt builds field > v.
func Gt(field string, v Value) Expression { return Expression{Op: OpGt, Field: field, Value: v} }

// Gte builds field >= v.
func Gte(field string, v Value) Expression { return Expression{Op: OpGte, Field: field, Value: v} }

// Lt builds field < v.
func Lt(field string, v Value) Expression { return Expression{Op: OpLt, Field: field, Value: v} }

// Lte builds field <= v.
func Lte(field string, v Value) Expression { return Expression{Op: OpLte, Field: field, Value: v} }

// In builds field ∈ values.
func In(field string, values ...Value) Expression {
	return Expression{Op: OpIn, Field: field, Values: values}
}

// NotIn builds field ∉ values.
func NotIn(field string, values ...Value) Expression {
	return Expression{Op: OpNotIn, Field: field, Values: values}
}

// Contains builds a substring or list membership test.
func Contains(field string, v Value) Expression {
	return Expression{Op: OpContains, Field: field, Value: v}
}

// Matches builds a regular expression match.
func Matches(field, pattern string) Expression {
	return Expression{Op: OpMatches, Field: field, Pattern: pattern}
}

// MatchesWith builds a match using a named matcher.
func MatchesWith(field, matcher, pattern string) Expression {
	return Expression{Op: OpMatches, Field: field, Matcher: matcher, Pattern: pattern}
}

// StartsWith builds a string prefix test.
func StartsWith(field, prefix string) Expression {
	return Expression{Op: OpStartsWith, Field: field, Value: String(prefix)}
}

// EndsWith builds a string suffix test.
func EndsWith(field, suffix string) Expression {
	return Expression{Op: OpEndsWith, Field: field, Value: String(suffix)}
}

// Exists builds a presence test.
func Exists(field string) Expression { return Expression{Op: OpExists, Field: field} }

// NotExists builds an absence test.
func NotExists(field string) Expression { return Expression{Op: OpNotExists, Field: field} }

// Pred builds a custom predicate call.
func Pred(name string, args map[string]Value) Expression {
	return Expression{Op: OpPredicate, Predicate: name, Args: args}
}

// And is true when every child is true.
func And(children ...Expression) Expression { return Expression{Op: OpAnd, Children: children} }

// Or is true when any child is true.
func Or(children ...Expression) Expression { return Expression{Op: OpOr, Children: children} }

// Not negates e.
func Not(e Expression) Expression { return Expression{Op: OpNot, Children: []Expression{e}} }

// Validate checks the tree shape without evaluating it.
func (e Expression) Validate() error {
	switch e.Op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpContains, OpStartsWith, OpEndsWith:
		if e.Field == "" {
			return fmt.Errorf("%s: field is required", e.Op)
		}
	case OpIn, OpNotIn:
		if e.Field == "" {
			return fmt.Errorf("%s: field is required", e.Op)
		}
	case OpMatches:
		if e.Field == "" || e.Pattern == "" {
			return fmt.Errorf("%s: field and pattern are required", e.Op)
		}
	case OpExists, OpNotExists:
		if e.Field == "" {
			return fmt.Errorf("%s: field is required", e.Op)
		}
	case OpPredicate:
		if e.Predicate == "" {
			return fmt.Errorf("%s: predicate name is required", e.Op)
		}
	case OpAnd, OpOr:
		if len(e.Children) == 0 {
			return fmt.Errorf("%s: at least one child is required", e.Op)
		}
		for i, c := range e.Children {
			if err := c.Validate(); err != nil {
				return fmt.Errorf("%s[%d]: %w", e.Op, i, err)
			}
		}
	case OpNot:
		if len(e.Children) != 1 {
			return fmt.Errorf("not: exactly one child is required")
		}
		return e.Children[0].Validate()
	default:
		return fmt.Errorf("unknown operator %q", e.Op)
	}
	return nil
}

// Fields returns the sorted, de-duplicated context fields referenced by e.
func (e Expression) Fields() []string {
	seen := make(map[string]struct{})
	e.collectFields(seen)
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (e Expression) collectFields(seen map[string]struct{}) {
	if e.Field != "" {
		seen[e.Field] = struct{}{}
	}
	for _, c := range e.Children {
		c.collectFields(seen)
	}
}

// Canonical renders e in a normal form: and/or children and in/not_in
// values are sorted, so commutative rearrangements render identically.
func (e Expression) Canonical() string {
	var b strings.Builder
	e.writeCanonical(&b)
	return b.String()
}

// Equivalent reports whether a and b have the same canonical form.
func Equivalent(a, b Expression) bool {
	return a.Canonical() == b.Canonical()
}

func (e Expression) writeCanonical(b *strings.Builder) {
	b.WriteString(string(e.Op))
	b.WriteByte('(')
	switch e.Op {
	case OpAnd, OpOr:
		parts := make([]string, len(e.Children))
		for i, c := range e.Children {
			parts[i] = c.Canonical()
		}
		sort.Strings(parts)
		b.WriteString(strings.Join(parts, ","))
	case OpNot:
		for _, c := range e.Children {
			c.writeCanonical(b)
		}
	case OpIn, OpNotIn:
		parts := make([]string, len(e.Values))
		for i, v := range e.Values {
			parts[i] = canonicalValue(v)
		}
		sort.Strings(parts)
		fmt.Fprintf(b, "%q,[%s]", e.Field, strings.Join(parts, ","))
	case OpMatches:
		fmt.Fprintf(b, "%q,%q,%q", e.Field, e.Matcher, e.Pattern)
	case OpPredicate:
		keys := make([]string, 0, len(e.Args))
		for k := range e.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(b, "%q", e.Predicate)
		for _, k := range keys {
			fmt.Fprintf(b, ",%q=%s", k, canonicalValue(e.Args[k]))
		}
	case OpExists, OpNotExists:
		fmt.Fprintf(b, "%q", e.Field)
	default:
		fmt.Fprintf(b, "%q,%s", e.Field, canonicalValue(e.Value))
	}
	b.WriteByte(')')
}

// canonicalValue renders numbers without int/float distinction.
func canonicalValue(v Value) string {
	if n, ok := v.Number(); ok {
		return fmt.Sprintf("n:%v", n)
	}
	return v.String()
}
