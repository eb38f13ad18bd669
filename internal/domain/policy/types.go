// Package policy contains the policy aggregate: its value types, the events
// it folds, the lifecycle state machine and the command decider.
package policy

import (
	"time"

	"github.com/Sentinel-Gate/policyledger/internal/domain/rule"
)

// Status is the lifecycle state of a policy.
type Status string

const (
	// StatusDraft is the initial state; content may still change.
	StatusDraft Status = "draft"
	// StatusApproved means the policy passed review but is not enforced yet.
	StatusApproved Status = "approved"
	// StatusActive means the policy is enforced.
	StatusActive Status = "active"
	// StatusSuspended means enforcement is paused.
	StatusSuspended Status = "suspended"
	// StatusRevoked means enforcement ended permanently.
	StatusRevoked Status = "revoked"
	// StatusArchived is terminal.
	StatusArchived Status = "archived"
)

// Effect is what a matching rule means.
type Effect string

const (
	// EffectAllow marks a requirement: the condition must hold.
	EffectAllow Effect = "allow"
	// EffectDeny marks a prohibition: the condition must not hold.
	EffectDeny Effect = "deny"
)

// Severity ranks rule violations. Higher values are more severe.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordinal of s, or -1 when s is unknown.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// EnforcementLevel ranks how strictly a policy is enforced.
type EnforcementLevel string

const (
	EnforcementAdvisory EnforcementLevel = "advisory"
	EnforcementSoft     EnforcementLevel = "soft"
	EnforcementHard     EnforcementLevel = "hard"
	EnforcementCritical EnforcementLevel = "critical"
)

var enforcementRank = map[EnforcementLevel]int{
	EnforcementAdvisory: 0,
	EnforcementSoft:     1,
	EnforcementHard:     2,
	EnforcementCritical: 3,
}

// Rank returns the ordinal of l, or -1 when l is unknown.
func (l EnforcementLevel) Rank() int {
	if r, ok := enforcementRank[l]; ok {
		return r
	}
	return -1
}

// RuleMode controls how allow rules combine.
type RuleMode string

const (
	// RuleModeAll requires every allow rule to match.
	RuleModeAll RuleMode = "all"
	// RuleModeAny requires at least one allow rule to match.
	RuleModeAny RuleMode = "any"
)

// Rule is one condition of a policy.
type Rule struct {
	// ID is unique within the owning policy.
	ID string `json:"id" yaml:"id" validate:"required"`
	// Name is a human-readable label.
	Name string `json:"name" yaml:"name"`
	// Description explains the rule.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Effect decides whether a match satisfies or violates the policy.
	Effect Effect `json:"effect" yaml:"effect" validate:"required,oneof=allow deny"`
	// Severity is reported on violations.
	Severity Severity `json:"severity" yaml:"severity" validate:"required,oneof=info low medium high critical"`
	// Condition is the expression evaluated against a context.
	Condition rule.Expression `json:"condition" yaml:"condition"`
	// Message is reported on violations.
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
	// Remediation tells the subject how to comply.
	Remediation string `json:"remediation,omitempty" yaml:"remediation,omitempty"`
}

// Policy is the current state of a policy aggregate.
type Policy struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Description      string           `json:"description,omitempty"`
	Status           Status           `json:"status"`
	Target           Target           `json:"target"`
	EnforcementLevel EnforcementLevel `json:"enforcement_level"`
	RuleMode         RuleMode         `json:"rule_mode"`
	// Rules are kept in priority order.
	Rules          []Rule     `json:"rules"`
	EffectiveFrom  *time.Time `json:"effective_from,omitempty"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty"`
	CreatedBy      string     `json:"created_by,omitempty"`
	ApprovedBy     string     `json:"approved_by,omitempty"`
	// StatusReason is the reason given for the last suspension, revocation or archival.
	StatusReason string    `json:"status_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	// Version counts applied events.
	Version uint64 `json:"version"`
}

// Exists reports whether the policy has been created.
func (p Policy) Exists() bool { return p.Status != "" }

// Rule returns the rule with id.
func (p Policy) Rule(id string) (Rule, bool) {
	if i := p.ruleIndex(id); i >= 0 {
		return p.Rules[i], true
	}
	return Rule{}, false
}

func (p Policy) ruleIndex(id string) int {
	for i, r := range p.Rules {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// RuleIDs returns rule IDs in priority order.
func (p Policy) RuleIDs() []string {
	ids := make([]string, len(p.Rules))
	for i, r := range p.Rules {
		ids[i] = r.ID
	}
	return ids
}

// EffectiveAt reports whether the policy is active and inside its window at t.
func (p Policy) EffectiveAt(t time.Time) bool {
	if p.Status != StatusActive {
		return false
	}
	if p.EffectiveFrom != nil && t.Before(*p.EffectiveFrom) {
		return false
	}
	if p.EffectiveUntil != nil && t.After(*p.EffectiveUntil) {
		return false
	}
	return true
}

// Clone returns a deep copy so folds never share slices with prior states.
func (p Policy) Clone() Policy {
	out := p
	out.Rules = append([]Rule(nil), p.Rules...)
	out.Target = p.Target.clone()
	if p.EffectiveFrom != nil {
		t := *p.EffectiveFrom
		out.EffectiveFrom = &t
	}
	if p.EffectiveUntil != nil {
		t := *p.EffectiveUntil
		out.EffectiveUntil = &t
	}
	return out
}
