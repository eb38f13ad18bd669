// Package exemption contains the policy exemption aggregate. An exemption
// waives violations of one policy for a bounded time window.
package exemption

import (
	"time"

	"github.com/Sentinel-Gate/policyledger/internal/domain/rule"
)

// Status is the state of an exemption. Revoked and expired are terminal.
type Status string

const (
	StatusGranted Status = "granted"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Exemption is the current state of an exemption aggregate.
type Exemption struct {
	ID string `json:"id"`
	// PolicyID is a weak reference to the exempted policy.
	PolicyID      string `json:"policy_id"`
	Reason        string `json:"reason"`
	Justification string `json:"justification,omitempty"`
	ApprovedBy    string `json:"approved_by"`
	// RuleIDs are the rules whose violations are waived. Empty waives all rules.
	RuleIDs []string `json:"rule_ids,omitempty"`
	// Conditions must all hold in the evaluation context for the exemption to apply.
	Conditions   []rule.Expression `json:"conditions,omitempty"`
	ValidFrom    time.Time         `json:"valid_from"`
	ValidUntil   time.Time         `json:"valid_until"`
	Status       Status            `json:"status"`
	StatusReason string            `json:"status_reason,omitempty"`
	GrantedAt    time.Time         `json:"granted_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Version      uint64            `json:"version"`
}

// Exists reports whether the exemption has been granted.
func (x Exemption) Exists() bool { return x.Status != "" }

// InWindow reports whether the exemption is granted and t lies in
// [ValidFrom, ValidUntil]. A granted exemption past its window is not in
// effect even before an ExemptionExpired event is recorded.
func (x Exemption) InWindow(t time.Time) bool {
	return x.Status == StatusGranted && !t.Before(x.ValidFrom) && !t.After(x.ValidUntil)
}

// Overdue reports whether the exemption is still granted but its window has ended.
func (x Exemption) Overdue(t time.Time) bool {
	return x.Status == StatusGranted && t.After(x.ValidUntil)
}

// Covers reports whether the exemption waives every rule in ruleIDs.
func (x Exemption) Covers(ruleIDs []string) bool {
	if len(x.RuleIDs) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(x.RuleIDs))
	for _, id := range x.RuleIDs {
		set[id] = struct{}{}
	}
	for _, id := range ruleIDs {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

// InEffect reports whether the exemption applies at t in ctx: it must be in
// its window and every condition must hold.
func (x Exemption) InEffect(ev *rule.Evaluator, ctx rule.Context, t time.Time) (bool, error) {
	if !x.InWindow(t) {
		return false, nil
	}
	for _, c := range x.Conditions {
		ok, err := ev.Evaluate(c, ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Clone returns a deep copy.
func (x Exemption) Clone() Exemption {
	out := x
	out.RuleIDs = append([]string(nil), x.RuleIDs...)
	out.Conditions = append([]rule.Expression(nil), x.Conditions...)
	return out
}
