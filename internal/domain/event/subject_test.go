package event

import (
	"errors"
	"testing"
)

func TestSubject(t *testing.T) {
	got := Subject("", "p-42", TypePolicyActivated)
	if got != "events.policy.p-42.policyactivated" {
		t.Errorf("Subject() = %q", got)
	}
	if got := Subject("tenant.a", "x", TypeRuleAdded); got != "tenant.a.x.ruleadded" {
		t.Errorf("Subject() = %q", got)
	}
}

func TestMatchSubject(t *testing.T) {
	subj := Subject("", "p1", TypePolicyApproved)
	tests := []struct {
		pattern string
		want    bool
	}{
		{AllPattern(""), true},
		{AggregatePattern("", "p1"), true},
		{AggregatePattern("", "p2"), false},
		{TypePattern("", TypePolicyApproved), true},
		{TypePattern("", TypePolicyRevoked), false},
		{"events.>", true},
		{"events.policy.p1.policyapproved", true},
		{"events.policy.p1", false},
		{"events.policy.p1.policyapproved.extra", false},
		{"events.*.p1.*", true},
		{"events.policy.p1.policyapproved.>", false},
		{"events.>.x", false},
	}
	for _, tt := range tests {
		if got := MatchSubject(tt.pattern, subj); got != tt.want {
			t.Errorf("MatchSubject(%q, %q) = %v, want %v", tt.pattern, subj, got, tt.want)
		}
	}
}

func TestCheckSequence(t *testing.T) {
	if err := CheckSequence("a", 3, 4); err != nil {
		t.Errorf("CheckSequence(3,4) = %v", err)
	}
	if err := CheckSequence("a", 3, 6); !errors.Is(err, ErrSequenceGap) || errors.Is(err, ErrDuplicateSequence) {
		t.Errorf("gap: %v", err)
	}
	if err := CheckSequence("a", 3, 3); !errors.Is(err, ErrDuplicateSequence) {
		t.Errorf("duplicate: %v", err)
	}
	var se *SequenceError
	if err := CheckSequence("a", 0, 2); !errors.As(err, &se) || se.Expected != 1 || se.Got != 2 {
		t.Errorf("SequenceError = %+v", se)
	}
}

func TestErrorsMatchSentinels(t *testing.T) {
	if !errors.Is(&ConflictError{AggregateID: "a", Expected: 1, Actual: 2}, ErrConcurrencyConflict) {
		t.Error("ConflictError should match ErrConcurrencyConflict")
	}
	if !errors.Is(&TransitionError{Aggregate: AggregatePolicy, From: "draft", Event: TypePolicyRevoked}, ErrInvalidTransition) {
		t.Error("TransitionError should match ErrInvalidTransition")
	}
}
