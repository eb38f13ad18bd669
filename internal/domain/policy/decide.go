package policy

import (
	"fmt"
	"time"

	"github.com/Sentinel-Gate/policyledger/internal/domain/command"
	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
)

// Decide turns a command into the events it produces against state p.
// Commands are validated first and the resulting events are dry-run through
// Apply, so a returned batch is always foldable onto p.
func Decide(p Policy, cmd command.Command, now time.Time) ([]event.Payload, error) {
	if err := command.Validate(cmd); err != nil {
		return nil, err
	}

	var out []event.Payload
	switch c := cmd.(type) {
	case CreatePolicy:
		if p.Exists() {
			return nil, fmt.Errorf("policy %s: %w", c.PolicyID, command.ErrAlreadyExists)
		}
		target := c.Target
		if target.Kind == "" {
			target = Global()
		}
		out = append(out, Created{
			Name:             c.Name,
			Description:      c.Description,
			Target:           target,
			EnforcementLevel: c.EnforcementLevel,
			RuleMode:         c.RuleMode,
			CreatedBy:        c.CreatedBy,
		})
		for _, r := range c.Rules {
			if err := validateRule(r); err != nil {
				return nil, err
			}
			out = append(out, RuleAdded{Rule: r})
		}
	case UpdatePolicy:
		out = append(out, Updated{
			Name:             c.Name,
			Description:      c.Description,
			Target:           c.Target,
			EnforcementLevel: c.EnforcementLevel,
			RuleMode:         c.RuleMode,
			UpdatedBy:        c.UpdatedBy,
		})
	case ApprovePolicy:
		if len(p.Rules) == 0 && p.Exists() {
			return nil, fmt.Errorf("policy %s: cannot approve a policy without rules", c.PolicyID)
		}
		out = append(out, Approved{ApprovedBy: c.ApprovedBy, Notes: c.Notes})
	case ActivatePolicy:
		from := c.EffectiveFrom
		if from.IsZero() {
			from = now
		}
		if c.EffectiveUntil != nil && !c.EffectiveUntil.After(from) {
			return nil, fmt.Errorf("policy %s: effective until must be after effective from", c.PolicyID)
		}
		out = append(out, Activated{ActivatedBy: c.ActivatedBy, EffectiveFrom: from.UTC(), EffectiveUntil: c.EffectiveUntil})
	case SuspendPolicy:
		out = append(out, Suspended{SuspendedBy: c.SuspendedBy, Reason: c.Reason})
	case RevokePolicy:
		out = append(out, Revoked{RevokedBy: c.RevokedBy, Reason: c.Reason})
	case ArchivePolicy:
		out = append(out, Archived{ArchivedBy: c.ArchivedBy, Reason: c.Reason})
	case AddRule:
		if err := validateRule(c.Rule); err != nil {
			return nil, err
		}
		out = append(out, RuleAdded{Rule: c.Rule})
	case UpdateRule:
		if err := validateRule(c.Rule); err != nil {
			return nil, err
		}
		out = append(out, RuleUpdated{Rule: c.Rule})
	case RemoveRule:
		out = append(out, RuleRemoved{RuleID: c.RuleID})
	case ReorderRules:
		out = append(out, RulesReordered{Order: append([]string(nil), c.Order...)})
	default:
		return nil, fmt.Errorf("%w: %s", command.ErrUnsupported, cmd.CommandType())
	}

	if !p.Exists() {
		if _, creating := cmd.(CreatePolicy); !creating {
			return nil, fmt.Errorf("policy %s: %w", cmd.AggregateID(), command.ErrNotFound)
		}
	}
	if _, err := dryRun(p, cmd.AggregateID(), out, now); err != nil {
		return nil, err
	}
	return out, nil
}

func validateRule(r Rule) error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	switch r.Effect {
	case EffectAllow, EffectDeny:
	default:
		return fmt.Errorf("rule %s: effect must be allow or deny", r.ID)
	}
	if r.Severity.Rank() < 0 {
		return fmt.Errorf("rule %s: unknown severity %q", r.ID, r.Severity)
	}
	if err := r.Condition.Validate(); err != nil {
		return fmt.Errorf("rule %s: condition: %w", r.ID, err)
	}
	return nil
}

func dryRun(p Policy, id string, payloads []event.Payload, now time.Time) (Policy, error) {
	seq := p.Version
	for _, pl := range payloads {
		seq++
		var err error
		if p, err = Apply(p, event.New(id, seq, now, pl)); err != nil {
			return p, err
		}
	}
	return p, nil
}
