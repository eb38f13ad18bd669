// Package template holds parameterised policy templates. A template is a
// policy skeleton whose rule operands and texts reference typed parameters
// as ${name}; instantiating it with parameter values yields a CreatePolicy
// command.
package template

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Sentinel-Gate/policyledger/internal/domain/policy"
	"github.com/Sentinel-Gate/policyledger/internal/domain/rule"
)

var (
	// ErrNotFound is returned for an unregistered template ID.
	ErrNotFound = errors.New("template not found")
	// ErrMissingParameter is returned when a required parameter has no
	// value, or a placeholder names a parameter that has none.
	ErrMissingParameter = errors.New("missing parameter")
	// ErrInvalidParameter is returned for values of the wrong type, values
	// failing their validation and undeclared parameters.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// ParamError carries the parameter involved in a failure.
type ParamError struct {
	Name string
	Err  error
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("parameter %q: %v", e.Name, e.Err)
}

func (e *ParamError) Unwrap() error { return e.Err }

// ParamType is the declared type of a parameter.
type ParamType string

const (
	ParamString     ParamType = "string"
	ParamInt        ParamType = "int"
	ParamFloat      ParamType = "float"
	ParamBool       ParamType = "bool"
	ParamStringList ParamType = "string_list"
	ParamIntList    ParamType = "int_list"
)

// Parameter is one typed input of a template.
type Parameter struct {
	Name        string    `json:"name" yaml:"name" validate:"required"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Type        ParamType `json:"type" yaml:"type" validate:"required,oneof=string int float bool string_list int_list"`
	// Default is used when no value is given. A parameter with a default
	// is never missing.
	Default  rule.Value `json:"default,omitzero" yaml:"default,omitempty"`
	Required bool       `json:"required,omitempty" yaml:"required,omitempty"`
	// Validation is evaluated with the candidate value bound to the
	// context field "value".
	Validation *rule.Expression `json:"validation,omitempty" yaml:"validation,omitempty"`
}

// Coerce returns v as the parameter's type. Ints widen to floats; nothing
// else converts.
func (p Parameter) Coerce(v rule.Value) (rule.Value, bool) {
	switch p.Type {
	case ParamString:
		return v, v.Kind() == rule.KindString
	case ParamInt:
		return v, v.Kind() == rule.KindInt
	case ParamFloat:
		if v.Kind() == rule.KindInt {
			n, _ := v.Number()
			return rule.Float(n), true
		}
		return v, v.Kind() == rule.KindFloat
	case ParamBool:
		return v, v.Kind() == rule.KindBool
	case ParamStringList:
		return v, listOf(v, rule.KindString)
	case ParamIntList:
		return v, listOf(v, rule.KindInt)
	}
	return v, false
}

func listOf(v rule.Value, k rule.Kind) bool {
	if v.Kind() != rule.KindList {
		return false
	}
	for _, item := range v.Items() {
		if item.Kind() != k {
			return false
		}
	}
	return true
}

// Parse reads a command-line value for the parameter. Lists are comma
// separated.
func (p Parameter) Parse(raw string) (rule.Value, error) {
	bad := func(err error) error {
		return &ParamError{Name: p.Name, Err: fmt.Errorf("%w: %q is not a %s: %v", ErrInvalidParameter, raw, p.Type, err)}
	}
	switch p.Type {
	case ParamString:
		return rule.String(raw), nil
	case ParamInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return rule.Value{}, bad(err)
		}
		return rule.Int(n), nil
	case ParamFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return rule.Value{}, bad(err)
		}
		return rule.Float(f), nil
	case ParamBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return rule.Value{}, bad(err)
		}
		return rule.Bool(b), nil
	case ParamStringList, ParamIntList:
		var items []rule.Value
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if p.Type == ParamStringList {
				items = append(items, rule.String(part))
				continue
			}
			n, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return rule.Value{}, bad(err)
			}
			items = append(items, rule.Int(n))
		}
		return rule.List(items...), nil
	}
	return rule.Value{}, bad(errors.New("unknown type"))
}

// zero is a value of the parameter's type, used to check placeholders.
func (p Parameter) zero() rule.Value {
	switch p.Type {
	case ParamInt:
		return rule.Int(0)
	case ParamFloat:
		return rule.Float(0)
	case ParamBool:
		return rule.Bool(false)
	case ParamStringList, ParamIntList:
		return rule.List()
	}
	return rule.String("")
}

// Template is a parameterised policy skeleton.
//
//	id: pki-certificate
//	name: PKI certificate policy
//	category: pki
//	tags: [pki, certificate]
//	enforcement_level: hard
//	parameters:
//	  - {name: min_key_size, type: int, default: 2048}
//	rules:
//	  - id: weak-key
//	    effect: deny
//	    severity: high
//	    condition: {op: lt, field: key.bits, value: "${min_key_size}"}
type Template struct {
	ID               string                  `json:"id" yaml:"id" validate:"required"`
	Name             string                  `json:"name" yaml:"name" validate:"required"`
	Description      string                  `json:"description,omitempty" yaml:"description,omitempty"`
	Category         string                  `json:"category,omitempty" yaml:"category,omitempty"`
	Tags             []string                `json:"tags,omitempty" yaml:"tags,omitempty"`
	Parameters       []Parameter             `json:"parameters,omitempty" yaml:"parameters,omitempty" validate:"dive"`
	Target           policy.Target           `json:"target" yaml:"target"`
	EnforcementLevel policy.EnforcementLevel `json:"enforcement_level" yaml:"enforcement_level" validate:"required,oneof=advisory soft hard critical"`
	RuleMode         policy.RuleMode         `json:"rule_mode,omitempty" yaml:"rule_mode,omitempty" validate:"omitempty,oneof=all any"`
	Rules            []policy.Rule           `json:"rules" yaml:"rules" validate:"omitempty,dive"`
}

// Parameter returns the parameter named name.
func (t Template) Parameter(name string) (Parameter, bool) {
	for _, p := range t.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// HasTag reports whether t carries tag.
func (t Template) HasTag(tag string) bool {
	for _, have := range t.Tags {
		if strings.EqualFold(have, tag) {
			return true
		}
	}
	return false
}

var (
	whole  = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)
	inline = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
)

// binder substitutes parameter values into a skeleton. An operand that is
// exactly one placeholder takes the parameter's typed value; placeholders
// inside longer text are rendered as text.
type binder struct {
	params map[string]rule.Value
	err    error
}

func (b *binder) lookup(name string) (rule.Value, bool) {
	v, ok := b.params[name]
	if !ok && b.err == nil {
		b.err = &ParamError{Name: name, Err: ErrMissingParameter}
	}
	return v, ok
}

func (b *binder) value(v rule.Value) rule.Value {
	switch v.Kind() {
	case rule.KindString:
		s, _ := v.Str()
		if m := whole.FindStringSubmatch(s); m != nil {
			if got, ok := b.lookup(m[1]); ok {
				return got
			}
			return v
		}
		return rule.String(b.text(s))
	case rule.KindList:
		return rule.List(b.values(v.Items())...)
	}
	return v
}

// values splices list parameters referenced as a single element, so
// values: ["${algorithms}"] expands to the list items.
func (b *binder) values(vs []rule.Value) []rule.Value {
	if vs == nil {
		return nil
	}
	out := make([]rule.Value, 0, len(vs))
	for _, v := range vs {
		got := b.value(v)
		if s, ok := v.Str(); ok && whole.MatchString(s) && got.Kind() == rule.KindList {
			out = append(out, got.Items()...)
			continue
		}
		out = append(out, got)
	}
	return out
}

func (b *binder) text(s string) string {
	return inline.ReplaceAllStringFunc(s, func(ph string) string {
		v, ok := b.lookup(ph[2 : len(ph)-1])
		if !ok {
			return ph
		}
		return display(v)
	})
}

func display(v rule.Value) string {
	switch v.Kind() {
	case rule.KindString:
		s, _ := v.Str()
		return s
	case rule.KindList:
		parts := make([]string, 0, len(v.Items()))
		for _, item := range v.Items() {
			parts = append(parts, display(item))
		}
		return strings.Join(parts, ", ")
	}
	return v.String()
}

func (b *binder) expr(e rule.Expression) rule.Expression {
	out := e
	out.Field = b.text(e.Field)
	if !e.Value.IsNull() {
		out.Value = b.value(e.Value)
	}
	out.Values = b.values(e.Values)
	out.Pattern = b.text(e.Pattern)
	if e.Args != nil {
		out.Args = make(map[string]rule.Value, len(e.Args))
		for k, v := range e.Args {
			out.Args[k] = b.value(v)
		}
	}
	if e.Children != nil {
		out.Children = make([]rule.Expression, len(e.Children))
		for i, c := range e.Children {
			out.Children[i] = b.expr(c)
		}
	}
	return out
}

func (b *binder) target(t policy.Target) policy.Target {
	out := t
	out.Value = b.text(t.Value)
	if t.Targets != nil {
		out.Targets = make([]policy.Target, len(t.Targets))
		for i, m := range t.Targets {
			out.Targets[i] = b.target(m)
		}
	}
	return out
}

func (b *binder) policyRule(r policy.Rule) policy.Rule {
	out := r
	out.Name = b.text(r.Name)
	out.Description = b.text(r.Description)
	out.Message = b.text(r.Message)
	out.Remediation = b.text(r.Remediation)
	out.Condition = b.expr(r.Condition)
	return out
}

// bind returns the template's target and rules with params substituted.
func (t Template) bind(params map[string]rule.Value) (policy.Target, []policy.Rule, error) {
	b := &binder{params: params}
	target := b.target(t.Target)
	rules := make([]policy.Rule, len(t.Rules))
	for i, r := range t.Rules {
		rules[i] = b.policyRule(r)
	}
	return target, rules, b.err
}
