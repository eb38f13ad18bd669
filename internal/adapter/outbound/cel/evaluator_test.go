package cel

import (
	"errors"
	"strings"
	"testing"

	"github.com/Sentinel-Gate/policyledger/internal/domain/rule"
)

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() error: %v", err)
	}
	return e
}

func testContext() rule.Context {
	return rule.NewContext(map[string]rule.Value{
		"role":      rule.String("admin"),
		"risk":      rule.Int(7),
		"region":    rule.String("eu-west-1"),
		"source_ip": rule.String("10.1.2.3"),
		"tags":      rule.Strings("pci", "prod"),
	})
}

func TestEvaluate(t *testing.T) {
	t.Parallel()
	e := newEvaluator(t)
	ctx := testContext()

	tests := []struct {
		name string
		expr string
		args map[string]rule.Value
		want bool
	}{
		{"field compare", `fields.risk > 5`, nil, true},
		{"string ext", `fields.region.startsWith("eu-")`, nil, true},
		{"list membership", `"pci" in fields.tags`, nil, true},
		{"args", `fields.risk >= args.min`, map[string]rule.Value{"min": rule.Int(8)}, false},
		{"glob", `glob("eu-*", fields.region)`, nil, true},
		{"cidr", `ip_in_cidr(fields.source_ip, "10.0.0.0/8")`, nil, true},
		{"cidr miss", `ip_in_cidr(fields.source_ip, "192.168.0.0/16")`, nil, false},
		{"has guard", `has(fields.tenant) && fields.tenant == "x"`, nil, false},
		{"field_or", `field_or(fields, "tenant", "none") == "none"`, nil, true},
		{"sets ext", `sets.contains(fields.tags, ["prod"])`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, ctx, tt.args)
			if err != nil {
				t.Fatalf("Evaluate(%s) error: %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%s) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	t.Parallel()
	e := newEvaluator(t)
	ctx := testContext()

	if _, err := e.Evaluate(`fields.tenant == "x"`, ctx, nil); !errors.Is(err, rule.ErrMissingField) {
		t.Errorf("missing key error = %v, want ErrMissingField", err)
	}
	if _, err := e.Evaluate(`fields.risk +`, ctx, nil); !errors.Is(err, rule.ErrInvalidExpression) {
		t.Errorf("syntax error = %v, want ErrInvalidExpression", err)
	}
	if _, err := e.Evaluate(`"not a bool"`, ctx, nil); err == nil {
		t.Error("non-boolean expression should fail")
	}
	if _, err := e.Evaluate(`fields.role`, ctx, nil); !errors.Is(err, rule.ErrTypeMismatch) {
		t.Errorf("dyn non-bool result error = %v, want ErrTypeMismatch", err)
	}
}

func TestValidateExpression_Limits(t *testing.T) {
	t.Parallel()
	e := newEvaluator(t)

	if err := e.ValidateExpression(""); err == nil {
		t.Error("empty expression should be rejected")
	}
	if err := e.ValidateExpression(strings.Repeat("a", maxExpressionLength+1)); err == nil || !strings.Contains(err.Error(), "too long") {
		t.Errorf("long expression error = %v", err)
	}
	deep := strings.Repeat("(", maxNestingDepth+1) + "true" + strings.Repeat(")", maxNestingDepth+1)
	if err := e.ValidateExpression(deep); err == nil || !strings.Contains(err.Error(), "nesting") {
		t.Errorf("deep expression error = %v", err)
	}
	if err := e.ValidateExpression(`fields.risk > 1`); err != nil {
		t.Errorf("valid expression error = %v", err)
	}
}

func TestInstall(t *testing.T) {
	t.Parallel()
	e := newEvaluator(t)
	reg := rule.NewRegistry()

	if err := e.Install(reg, map[string]string{"high_risk": `fields.risk >= 7`}); err != nil {
		t.Fatalf("Install() error: %v", err)
	}
	ev := rule.NewEvaluator(reg)
	ctx := testContext()

	cases := []struct {
		name string
		expr rule.Expression
		want bool
	}{
		{"named", rule.Pred("high_risk", nil), true},
		{"inline", rule.Pred(PredicateName, map[string]rule.Value{"expr": rule.String(`fields.role == "admin"`)}), true},
		{"glob matcher", rule.MatchesWith("region", MatcherGlob, "eu-*"), true},
		{"glob miss", rule.MatchesWith("region", MatcherGlob, "us-*"), false},
	}
	for _, c := range cases {
		got, err := ev.Evaluate(c.expr, ctx)
		if err != nil {
			t.Fatalf("%s: Evaluate() error: %v", c.name, err)
		}
		if got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, got, c.want)
		}
	}

	// Inline predicates without an expression fail as invalid.
	_, err := ev.Evaluate(rule.Pred(PredicateName, nil), ctx)
	var pe *rule.PredicateError
	if !errors.As(err, &pe) || !errors.Is(err, rule.ErrInvalidExpression) {
		t.Errorf("inline without expr error = %v", err)
	}

	// A second install collides with the first registration.
	if err := e.Install(reg, nil); err == nil {
		t.Error("second Install() should fail")
	}
}

func TestInstall_RejectsBadNamed(t *testing.T) {
	t.Parallel()
	e := newEvaluator(t)
	reg := rule.NewRegistry()
	if err := e.Install(reg, map[string]string{"broken": `fields.risk >`}); err == nil {
		t.Fatal("Install() with invalid expression should fail")
	}
	if len(reg.Predicates()) != 0 {
		t.Errorf("predicates registered after failure: %v", reg.Predicates())
	}
}

func TestGlob(t *testing.T) {
	t.Parallel()
	if ok, _ := Glob("pol-*", "pol-42"); !ok {
		t.Error("pol-* should match pol-42")
	}
	if ok, _ := Glob("pol-?", "pol-42"); ok {
		t.Error("pol-? should not match pol-42")
	}
	if _, err := Glob("[", "x"); !errors.Is(err, rule.ErrInvalidExpression) {
		t.Errorf("bad pattern error = %v", err)
	}
}
