// Package compliance evaluates policies and policy sets against an
// evaluation context, applying exemptions to violations.
package compliance

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Sentinel-Gate/policyledger/internal/domain/exemption"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policy"
	"github.com/Sentinel-Gate/policyledger/internal/domain/rule"
)

// ErrPolicyNotEffective is returned when a policy is not active at the
// evaluation time.
var ErrPolicyNotEffective = errors.New("policy is not in effect")

// Outcome classifies a compliance result.
type Outcome string

const (
	Compliant              Outcome = "compliant"
	NonCompliant           Outcome = "non_compliant"
	CompliantWithExemption Outcome = "compliant_with_exemption"
)

// Violation is one failed rule.
type Violation struct {
	PolicyID    string          `json:"policy_id"`
	RuleID      string          `json:"rule_id"`
	RuleName    string          `json:"rule_name,omitempty"`
	Effect      policy.Effect   `json:"effect"`
	Severity    policy.Severity `json:"severity"`
	Message     string          `json:"message,omitempty"`
	Remediation string          `json:"remediation,omitempty"`
}

// Result is the outcome of evaluating one policy.
type Result struct {
	PolicyID      string  `json:"policy_id"`
	PolicyVersion uint64  `json:"policy_version"`
	Outcome       Outcome `json:"outcome"`
	// Violations are listed for NonCompliant and CompliantWithExemption, in rule priority order.
	Violations []Violation `json:"violations,omitempty"`
	// ExemptionID is set for CompliantWithExemption.
	ExemptionID    string `json:"exemption_id,omitempty"`
	RulesEvaluated int    `json:"rules_evaluated"`
}

// Passed reports whether the result counts as compliant.
func (r Result) Passed() bool { return r.Outcome != NonCompliant }

// MaxSeverity returns the highest violation severity, or "" when there are none.
func (r Result) MaxSeverity() policy.Severity {
	var top policy.Severity
	for _, v := range r.Violations {
		if v.Severity.Rank() > top.Rank() {
			top = v.Severity
		}
	}
	return top
}

// EvaluatePolicy evaluates every rule of p in priority order. Deny rules
// are violated when their condition holds. Allow rules are requirements:
// under RuleModeAll each unmatched allow rule is a violation; under
// RuleModeAny the allow rules are violated together when none matched.
// When violations exist, the first in-effect exemption (by ID) for p that
// covers all of them turns the result into CompliantWithExemption.
// Evaluation errors are returned, never treated as a pass or a fail.
func EvaluatePolicy(ev *rule.Evaluator, p policy.Policy, ctx rule.Context, exemptions []exemption.Exemption, now time.Time) (Result, error) {
	if !p.EffectiveAt(now) {
		return Result{}, fmt.Errorf("%w: %s is %s", ErrPolicyNotEffective, p.ID, p.Status)
	}

	res := Result{PolicyID: p.ID, PolicyVersion: p.Version}
	var unmatchedAllow []Violation
	anyAllow, allowMatched := false, false
	for _, r := range p.Rules {
		matched, err := ev.Evaluate(r.Condition, ctx)
		if err != nil {
			return Result{}, fmt.Errorf("policy %s rule %s: %w", p.ID, r.ID, err)
		}
		res.RulesEvaluated++
		switch r.Effect {
		case policy.EffectDeny:
			if matched {
				res.Violations = append(res.Violations, violation(p.ID, r))
			}
		case policy.EffectAllow:
			anyAllow = true
			if matched {
				allowMatched = true
			} else {
				unmatchedAllow = append(unmatchedAllow, violation(p.ID, r))
			}
		}
	}
	if p.RuleMode == policy.RuleModeAny {
		if anyAllow && !allowMatched {
			res.Violations = append(res.Violations, unmatchedAllow...)
		}
	} else {
		res.Violations = append(res.Violations, unmatchedAllow...)
	}
	sortByPriority(p, res.Violations)

	if len(res.Violations) == 0 {
		res.Outcome = Compliant
		return res, nil
	}

	exemptionID, err := coveringExemption(ev, p.ID, res.Violations, exemptions, ctx, now)
	if err != nil {
		return Result{}, err
	}
	if exemptionID != "" {
		res.Outcome = CompliantWithExemption
		res.ExemptionID = exemptionID
		return res, nil
	}
	res.Outcome = NonCompliant
	return res, nil
}

func violation(policyID string, r policy.Rule) Violation {
	return Violation{
		PolicyID:    policyID,
		RuleID:      r.ID,
		RuleName:    r.Name,
		Effect:      r.Effect,
		Severity:    r.Severity,
		Message:     r.Message,
		Remediation: r.Remediation,
	}
}

func sortByPriority(p policy.Policy, vs []Violation) {
	rank := make(map[string]int, len(p.Rules))
	for i, r := range p.Rules {
		rank[r.ID] = i
	}
	sort.SliceStable(vs, func(i, j int) bool { return rank[vs[i].RuleID] < rank[vs[j].RuleID] })
}

func coveringExemption(ev *rule.Evaluator, policyID string, vs []Violation, exemptions []exemption.Exemption, ctx rule.Context, now time.Time) (string, error) {
	ruleIDs := make([]string, len(vs))
	for i, v := range vs {
		ruleIDs[i] = v.RuleID
	}
	candidates := make([]exemption.Exemption, 0, len(exemptions))
	for _, x := range exemptions {
		if x.PolicyID == policyID {
			candidates = append(candidates, x)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	for _, x := range candidates {
		if !x.Covers(ruleIDs) {
			continue
		}
		ok, err := x.InEffect(ev, ctx, now)
		if err != nil {
			return "", fmt.Errorf("exemption %s: %w", x.ID, err)
		}
		if ok {
			return x.ID, nil
		}
	}
	return "", nil
}
