package policy

import (
	"fmt"

	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
)

// lifecycle lists the legal status changes. Events absent for a status are
// invalid transitions.
var lifecycle = map[Status]map[event.Type]Status{
	StatusDraft: {
		event.TypePolicyApproved: StatusApproved,
		event.TypePolicyArchived: StatusArchived,
	},
	StatusApproved: {
		event.TypePolicyActivated: StatusActive,
		event.TypePolicyArchived:  StatusArchived,
	},
	StatusActive: {
		event.TypePolicySuspended: StatusSuspended,
		event.TypePolicyRevoked:   StatusRevoked,
		event.TypePolicyArchived:  StatusArchived,
	},
	StatusSuspended: {
		event.TypePolicyActivated: StatusActive,
		event.TypePolicyRevoked:   StatusRevoked,
		event.TypePolicyArchived:  StatusArchived,
	},
	StatusRevoked: {
		event.TypePolicyArchived: StatusArchived,
	},
}

// CanTransition reports whether t may be applied in status from.
func CanTransition(from Status, t event.Type) bool {
	_, ok := lifecycle[from][t]
	return ok
}

// Apply folds one event into p. Events owned by other aggregates leave p
// unchanged. Apply never mutates p.
func Apply(p Policy, e event.Event) (Policy, error) {
	owner, _ := event.Owner(e.Type)
	if owner != event.AggregatePolicy {
		return p, nil
	}
	if !p.Exists() && e.Type != event.TypePolicyCreated {
		return p, invalid(p, e.Type, "policy does not exist")
	}

	next := p.Clone()
	switch pl := e.Payload.(type) {
	case Created:
		if p.Exists() {
			return p, invalid(p, e.Type, "policy already exists")
		}
		next = Policy{
			ID:               e.AggregateID,
			Name:             pl.Name,
			Description:      pl.Description,
			Status:           StatusDraft,
			Target:           pl.Target.clone(),
			EnforcementLevel: pl.EnforcementLevel,
			RuleMode:         pl.RuleMode,
			CreatedBy:        pl.CreatedBy,
			CreatedAt:        e.CreatedAt,
			Rules:            []Rule{},
		}
		if next.RuleMode == "" {
			next.RuleMode = RuleModeAll
		}
	case Updated:
		if p.Status != StatusDraft {
			return p, invalid(p, e.Type, "only draft policies can be edited")
		}
		if pl.Name != nil {
			next.Name = *pl.Name
		}
		if pl.Description != nil {
			next.Description = *pl.Description
		}
		if pl.Target != nil {
			next.Target = pl.Target.clone()
		}
		if pl.EnforcementLevel != nil {
			next.EnforcementLevel = *pl.EnforcementLevel
		}
		if pl.RuleMode != nil {
			next.RuleMode = *pl.RuleMode
		}
	case Approved:
		if err := transition(&next, e.Type); err != nil {
			return p, err
		}
		next.ApprovedBy = pl.ApprovedBy
	case Activated:
		if err := transition(&next, e.Type); err != nil {
			return p, err
		}
		from := pl.EffectiveFrom
		next.EffectiveFrom = &from
		next.EffectiveUntil = nil
		if pl.EffectiveUntil != nil {
			until := *pl.EffectiveUntil
			next.EffectiveUntil = &until
		}
		next.StatusReason = ""
	case Suspended:
		if err := transition(&next, e.Type); err != nil {
			return p, err
		}
		next.StatusReason = pl.Reason
	case Revoked:
		if err := transition(&next, e.Type); err != nil {
			return p, err
		}
		next.StatusReason = pl.Reason
	case Archived:
		if err := transition(&next, e.Type); err != nil {
			return p, err
		}
		if pl.Reason != "" {
			next.StatusReason = pl.Reason
		}
	case RuleAdded:
		if err := editable(p, e.Type); err != nil {
			return p, err
		}
		if pl.Rule.ID == "" {
			return p, invalid(p, e.Type, "rule id is required")
		}
		if p.ruleIndex(pl.Rule.ID) >= 0 {
			return p, invalid(p, e.Type, fmt.Sprintf("rule %q already exists", pl.Rule.ID))
		}
		next.Rules = append(next.Rules, pl.Rule)
	case RuleUpdated:
		if err := editable(p, e.Type); err != nil {
			return p, err
		}
		i := p.ruleIndex(pl.Rule.ID)
		if i < 0 {
			return p, invalid(p, e.Type, fmt.Sprintf("rule %q not found", pl.Rule.ID))
		}
		next.Rules[i] = pl.Rule
	case RuleRemoved:
		if err := editable(p, e.Type); err != nil {
			return p, err
		}
		i := p.ruleIndex(pl.RuleID)
		if i < 0 {
			return p, invalid(p, e.Type, fmt.Sprintf("rule %q not found", pl.RuleID))
		}
		next.Rules = append(next.Rules[:i], next.Rules[i+1:]...)
	case RulesReordered:
		if err := editable(p, e.Type); err != nil {
			return p, err
		}
		ordered, err := reorder(p.Rules, pl.Order)
		if err != nil {
			return p, invalid(p, e.Type, err.Error())
		}
		next.Rules = ordered
	default:
		return p, fmt.Errorf("%w: payload %T for %s", event.ErrUnknownType, e.Payload, e.Type)
	}

	next.Version = p.Version + 1
	next.UpdatedAt = e.CreatedAt
	return next, nil
}

// Replay folds events into the zero policy.
func Replay(events []event.Event) (Policy, error) {
	var p Policy
	for _, e := range events {
		var err error
		if p, err = Apply(p, e); err != nil {
			return Policy{}, err
		}
	}
	return p, nil
}

func transition(p *Policy, t event.Type) error {
	to, ok := lifecycle[p.Status][t]
	if !ok {
		return invalid(*p, t, "")
	}
	p.Status = to
	return nil
}

func editable(p Policy, t event.Type) error {
	if p.Status != StatusDraft {
		return invalid(p, t, "rules can only change while the policy is a draft")
	}
	return nil
}

func reorder(rules []Rule, order []string) ([]Rule, error) {
	if len(order) != len(rules) {
		return nil, fmt.Errorf("order has %d ids, policy has %d rules", len(order), len(rules))
	}
	byID := make(map[string]Rule, len(rules))
	for _, r := range rules {
		byID[r.ID] = r
	}
	out := make([]Rule, 0, len(order))
	for _, id := range order {
		r, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("rule %q missing or repeated in order", id)
		}
		out = append(out, r)
		delete(byID, id)
	}
	return out, nil
}

func invalid(p Policy, t event.Type, reason string) error {
	from := string(p.Status)
	if from == "" {
		from = "none"
	}
	return &event.TransitionError{Aggregate: event.AggregatePolicy, From: from, Event: t, Reason: reason}
}
