package policy

import (
	"time"

	"github.com/Sentinel-Gate/policyledger/internal/domain/command"
)

// Command types owned by the policy aggregate.
const (
	CmdCreate       command.Type = "policy.create"
	CmdUpdate       command.Type = "policy.update"
	CmdApprove      command.Type = "policy.approve"
	CmdActivate     command.Type = "policy.activate"
	CmdSuspend      command.Type = "policy.suspend"
	CmdRevoke       command.Type = "policy.revoke"
	CmdArchive      command.Type = "policy.archive"
	CmdAddRule      command.Type = "policy.rule.add"
	CmdUpdateRule   command.Type = "policy.rule.update"
	CmdRemoveRule   command.Type = "policy.rule.remove"
	CmdReorderRules command.Type = "policy.rule.reorder"
)

// CreatePolicy creates a draft policy, optionally with initial rules.
type CreatePolicy struct {
	PolicyID         string           `validate:"required"`
	Name             string           `validate:"required"`
	Description      string
	Target           Target
	EnforcementLevel EnforcementLevel `validate:"required,oneof=advisory soft hard critical"`
	RuleMode         RuleMode         `validate:"omitempty,oneof=all any"`
	Rules            []Rule           `validate:"omitempty,dive"`
	CreatedBy        string           `validate:"required"`
}

// UpdatePolicy edits a draft policy.
type UpdatePolicy struct {
	PolicyID         string `validate:"required"`
	Name             *string
	Description      *string
	Target           *Target
	EnforcementLevel *EnforcementLevel `validate:"omitempty,oneof=advisory soft hard critical"`
	RuleMode         *RuleMode         `validate:"omitempty,oneof=all any"`
	UpdatedBy        string            `validate:"required"`
}

// ApprovePolicy approves a draft.
type ApprovePolicy struct {
	PolicyID   string `validate:"required"`
	ApprovedBy string `validate:"required"`
	Notes      string
}

// ActivatePolicy starts or resumes enforcement. A zero EffectiveFrom means now.
type ActivatePolicy struct {
	PolicyID       string `validate:"required"`
	ActivatedBy    string `validate:"required"`
	EffectiveFrom  time.Time
	EffectiveUntil *time.Time
}

// SuspendPolicy pauses enforcement.
type SuspendPolicy struct {
	PolicyID    string `validate:"required"`
	SuspendedBy string `validate:"required"`
	Reason      string `validate:"required"`
}

// RevokePolicy ends enforcement.
type RevokePolicy struct {
	PolicyID  string `validate:"required"`
	RevokedBy string `validate:"required"`
	Reason    string `validate:"required"`
}

// ArchivePolicy retires a policy.
type ArchivePolicy struct {
	PolicyID   string `validate:"required"`
	ArchivedBy string `validate:"required"`
	Reason     string
}

// AddRule appends a rule to a draft policy.
type AddRule struct {
	PolicyID string `validate:"required"`
	Rule     Rule
}

// UpdateRule replaces a rule of a draft policy.
type UpdateRule struct {
	PolicyID string `validate:"required"`
	Rule     Rule
}

// RemoveRule deletes a rule from a draft policy.
type RemoveRule struct {
	PolicyID string `validate:"required"`
	RuleID   string `validate:"required"`
}

// ReorderRules sets the rule priority order of a draft policy.
type ReorderRules struct {
	PolicyID string   `validate:"required"`
	Order    []string `validate:"required,min=1"`
}

func (CreatePolicy) CommandType() command.Type   { return CmdCreate }
func (UpdatePolicy) CommandType() command.Type   { return CmdUpdate }
func (ApprovePolicy) CommandType() command.Type  { return CmdApprove }
func (ActivatePolicy) CommandType() command.Type { return CmdActivate }
func (SuspendPolicy) CommandType() command.Type  { return CmdSuspend }
func (RevokePolicy) CommandType() command.Type   { return CmdRevoke }
func (ArchivePolicy) CommandType() command.Type  { return CmdArchive }
func (AddRule) CommandType() command.Type        { return CmdAddRule }
func (UpdateRule) CommandType() command.Type     { return CmdUpdateRule }
func (RemoveRule) CommandType() command.Type     { return CmdRemoveRule }
func (ReorderRules) CommandType() command.Type   { return CmdReorderRules }

func (c CreatePolicy) AggregateID() string   { return c.PolicyID }
func (c UpdatePolicy) AggregateID() string   { return c.PolicyID }
func (c ApprovePolicy) AggregateID() string  { return c.PolicyID }
func (c ActivatePolicy) AggregateID() string { return c.PolicyID }
func (c SuspendPolicy) AggregateID() string  { return c.PolicyID }
func (c RevokePolicy) AggregateID() string   { return c.PolicyID }
func (c ArchivePolicy) AggregateID() string  { return c.PolicyID }
func (c AddRule) AggregateID() string        { return c.PolicyID }
func (c UpdateRule) AggregateID() string     { return c.PolicyID }
func (c RemoveRule) AggregateID() string     { return c.PolicyID }
func (c ReorderRules) AggregateID() string   { return c.PolicyID }
