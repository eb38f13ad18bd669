package exemption

import (
	"errors"
	"fmt"
	"time"

	"github.com/Sentinel-Gate/policyledger/internal/domain/command"
	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
	"github.com/Sentinel-Gate/policyledger/internal/domain/rule"
)

// Command types owned by the exemption aggregate.
const (
	CmdGrant  command.Type = "exemption.grant"
	CmdRevoke command.Type = "exemption.revoke"
	CmdExpire command.Type = "exemption.expire"
)

// GrantExemption waives a policy for a window. Whether the policy exists
// is checked by the caller.
type GrantExemption struct {
	ExemptionID   string `validate:"required"`
	PolicyID      string `validate:"required"`
	Reason        string `validate:"required"`
	Justification string
	ApprovedBy    string `validate:"required"`
	RuleIDs       []string
	Conditions    []rule.Expression
	ValidFrom     time.Time `validate:"required"`
	ValidUntil    time.Time `validate:"required,gtefield=ValidFrom"`
}

// RevokeExemption withdraws an exemption.
type RevokeExemption struct {
	ExemptionID string `validate:"required"`
	RevokedBy   string `validate:"required"`
	Reason      string `validate:"required"`
}

// ExpireExemption records the end of the window. It is issued by the
// expiry scheduler, never implied by evaluation.
type ExpireExemption struct {
	ExemptionID string `validate:"required"`
}

func (GrantExemption) CommandType() command.Type  { return CmdGrant }
func (RevokeExemption) CommandType() command.Type { return CmdRevoke }
func (ExpireExemption) CommandType() command.Type { return CmdExpire }

func (c GrantExemption) AggregateID() string  { return c.ExemptionID }
func (c RevokeExemption) AggregateID() string { return c.ExemptionID }
func (c ExpireExemption) AggregateID() string { return c.ExemptionID }

// ErrNotYetExpired is returned when expiry is requested inside the window.
var ErrNotYetExpired = errors.New("exemption window has not ended")

// Decide turns a command into events against state x.
func Decide(x Exemption, cmd command.Command, now time.Time) ([]event.Payload, error) {
	if err := command.Validate(cmd); err != nil {
		return nil, err
	}

	var out []event.Payload
	switch c := cmd.(type) {
	case GrantExemption:
		if x.Exists() {
			return nil, fmt.Errorf("exemption %s: %w", c.ExemptionID, command.ErrAlreadyExists)
		}
		for i, cond := range c.Conditions {
			if err := cond.Validate(); err != nil {
				return nil, fmt.Errorf("exemption %s: condition %d: %w", c.ExemptionID, i, err)
			}
		}
		out = append(out, Granted{
			PolicyID:      c.PolicyID,
			Reason:        c.Reason,
			Justification: c.Justification,
			ApprovedBy:    c.ApprovedBy,
			RuleIDs:       append([]string(nil), c.RuleIDs...),
			Conditions:    c.Conditions,
			ValidFrom:     c.ValidFrom.UTC(),
			ValidUntil:    c.ValidUntil.UTC(),
		})
	case RevokeExemption:
		out = append(out, Revoked{RevokedBy: c.RevokedBy, Reason: c.Reason})
	case ExpireExemption:
		if x.Exists() && !now.After(x.ValidUntil) {
			return nil, fmt.Errorf("exemption %s: %w", c.ExemptionID, ErrNotYetExpired)
		}
		out = append(out, Expired{ExpiredAt: now.UTC()})
	default:
		return nil, fmt.Errorf("%w: %s", command.ErrUnsupported, cmd.CommandType())
	}

	if _, granting := cmd.(GrantExemption); !granting && !x.Exists() {
		return nil, fmt.Errorf("exemption %s: %w", cmd.AggregateID(), command.ErrNotFound)
	}
	if _, err := Apply(x, event.New(cmd.AggregateID(), x.Version+1, now, out[0])); err != nil {
		return nil, err
	}
	return out, nil
}
