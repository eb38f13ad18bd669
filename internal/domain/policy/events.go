package policy

import (
	"time"

	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
)

// Created starts a policy in draft.
type Created struct {
	Name             string           `json:"name"`
	Description      string           `json:"description,omitempty"`
	Target           Target           `json:"target"`
	EnforcementLevel EnforcementLevel `json:"enforcement_level"`
	RuleMode         RuleMode         `json:"rule_mode,omitempty"`
	CreatedBy        string           `json:"created_by"`
}

// Updated changes descriptive fields. Nil fields are left unchanged.
type Updated struct {
	Name             *string           `json:"name,omitempty"`
	Description      *string           `json:"description,omitempty"`
	Target           *Target           `json:"target,omitempty"`
	EnforcementLevel *EnforcementLevel `json:"enforcement_level,omitempty"`
	RuleMode         *RuleMode         `json:"rule_mode,omitempty"`
	UpdatedBy        string            `json:"updated_by"`
}

// Approved records review approval.
type Approved struct {
	ApprovedBy string `json:"approved_by"`
	Notes      string `json:"notes,omitempty"`
}

// Activated starts (or resumes) enforcement.
type Activated struct {
	ActivatedBy    string     `json:"activated_by"`
	EffectiveFrom  time.Time  `json:"effective_from"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty"`
}

// Suspended pauses enforcement.
type Suspended struct {
	SuspendedBy string `json:"suspended_by"`
	Reason      string `json:"reason"`
}

// Revoked ends enforcement permanently.
type Revoked struct {
	RevokedBy string `json:"revoked_by"`
	Reason    string `json:"reason"`
}

// Archived retires the policy.
type Archived struct {
	ArchivedBy string `json:"archived_by"`
	Reason     string `json:"reason,omitempty"`
}

// RuleAdded appends a rule at the lowest priority.
type RuleAdded struct {
	Rule Rule `json:"rule"`
}

// RuleUpdated replaces a rule in place.
type RuleUpdated struct {
	Rule Rule `json:"rule"`
}

// RuleRemoved deletes a rule.
type RuleRemoved struct {
	RuleID string `json:"rule_id"`
}

// RulesReordered sets a new priority order. Order is a permutation of the
// current rule IDs.
type RulesReordered struct {
	Order []string `json:"order"`
}

func (Created) EventType() event.Type        { return event.TypePolicyCreated }
func (Updated) EventType() event.Type        { return event.TypePolicyUpdated }
func (Approved) EventType() event.Type       { return event.TypePolicyApproved }
func (Activated) EventType() event.Type      { return event.TypePolicyActivated }
func (Suspended) EventType() event.Type      { return event.TypePolicySuspended }
func (Revoked) EventType() event.Type        { return event.TypePolicyRevoked }
func (Archived) EventType() event.Type       { return event.TypePolicyArchived }
func (RuleAdded) EventType() event.Type      { return event.TypeRuleAdded }
func (RuleUpdated) EventType() event.Type    { return event.TypeRuleUpdated }
func (RuleRemoved) EventType() event.Type    { return event.TypeRuleRemoved }
func (RulesReordered) EventType() event.Type { return event.TypeRulesReordered }

// RegisterEvents adds the policy payloads to reg.
func RegisterEvents(reg *event.Registry) error {
	factories := []event.Factory{
		func() event.Payload { return &Created{} },
		func() event.Payload { return &Updated{} },
		func() event.Payload { return &Approved{} },
		func() event.Payload { return &Activated{} },
		func() event.Payload { return &Suspended{} },
		func() event.Payload { return &Revoked{} },
		func() event.Payload { return &Archived{} },
		func() event.Payload { return &RuleAdded{} },
		func() event.Payload { return &RuleUpdated{} },
		func() event.Payload { return &RuleRemoved{} },
		func() event.Payload { return &RulesReordered{} },
	}
	for _, f := range factories {
		if err := reg.Register(f); err != nil {
			return err
		}
	}
	return nil
}
