package rule

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestEquivalent(t *testing.T) {
	t.Parallel()

	a := And(Eq("role", String("admin")), In("region", String("eu"), String("us")))
	b := And(In("region", String("us"), String("eu")), Eq("role", String("admin")))
	if !Equivalent(a, b) {
		t.Errorf("Equivalent(%s, %s) = false, want true", a.Canonical(), b.Canonical())
	}

	c := And(Eq("role", String("admin")), In("region", String("eu")))
	if Equivalent(a, c) {
		t.Error("Equivalent() with different in-sets = true, want false")
	}

	if !Equivalent(Eq("n", Int(3)), Eq("n", Float(3))) {
		t.Error("numeric literals should compare by value")
	}
}

func TestExpression_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		expr    Expression
		wantErr bool
	}{
		{"leaf", Eq("a", Int(1)), false},
		{"missing field", Expression{Op: OpEq, Value: Int(1)}, true},
		{"empty and", Expression{Op: OpAnd}, true},
		{"not arity", Expression{Op: OpNot, Children: []Expression{Exists("a"), Exists("b")}}, true},
		{"unknown op", Expression{Op: "xor"}, true},
		{"nested error", Or(Exists("a"), Expression{Op: OpMatches, Field: "b"}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.expr.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExpression_Fields(t *testing.T) {
	t.Parallel()

	e := Or(Eq("b", Int(1)), Not(Exists("a")), Eq("b", Int(2)))
	got := e.Fields()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Fields() = %v, want [a b]", got)
	}
}

func TestExpression_Decoding(t *testing.T) {
	t.Parallel()

	src := `
op: and
children:
  - op: eq
    field: resource.type
    value: certificate
  - op: gt
    field: key.bits
    value: 2047
  - op: in
    field: region
    values: [eu, us]
`
	var fromYAML Expression
	if err := yaml.Unmarshal([]byte(src), &fromYAML); err != nil {
		t.Fatalf("yaml.Unmarshal() error = %v", err)
	}

	raw, err := json.Marshal(fromYAML)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	var fromJSON Expression
	if err := json.Unmarshal(raw, &fromJSON); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if !Equivalent(fromYAML, fromJSON) {
		t.Errorf("decoded trees differ:\n%s\n%s", fromYAML.Canonical(), fromJSON.Canonical())
	}

	ev := NewEvaluator(nil)
	ctx := NewContext(map[string]Value{
		"resource.type": String("certificate"),
		"key.bits":      Int(4096),
		"region":        String("eu"),
	})
	ok, err := ev.Evaluate(fromJSON, ctx)
	if err != nil || !ok {
		t.Errorf("Evaluate(decoded) = %v, %v; want true, nil", ok, err)
	}
}

func TestContext_Hash(t *testing.T) {
	t.Parallel()

	a := NewContext(map[string]Value{"x": Int(1), "y": String("z")})
	b := NewContext(map[string]Value{"y": String("z"), "x": Int(1)})
	if a.Hash() != b.Hash() {
		t.Error("Hash() should not depend on insertion order")
	}
	if a.Hash() == a.With("x", Int(2)).Hash() {
		t.Error("Hash() should change with content")
	}
	if v, _ := a.Get("x"); !v.Equal(Int(1)) {
		t.Errorf("With() mutated the receiver: x = %s", v)
	}
}
