package policyset

import (
	"fmt"

	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
)

// Apply folds one event into s. Events owned by other aggregates leave s
// unchanged.
func Apply(s PolicySet, e event.Event) (PolicySet, error) {
	owner, _ := event.Owner(e.Type)
	if owner != event.AggregatePolicySet {
		return s, nil
	}
	if !s.Exists() && e.Type != event.TypePolicySetCreated {
		return s, invalid(s, e.Type, "policy set does not exist")
	}

	next := s.Clone()
	switch pl := e.Payload.(type) {
	case Created:
		if s.Exists() {
			return s, invalid(s, e.Type, "policy set already exists")
		}
		next = PolicySet{
			ID:          e.AggregateID,
			Name:        pl.Name,
			Description: pl.Description,
			Status:      pl.Status,
			Composition: pl.Composition,
			MinPassing:  pl.MinPassing,
			Strategy:    pl.Strategy,
			Members:     []string{},
			CreatedBy:   pl.CreatedBy,
			CreatedAt:   e.CreatedAt,
		}
		if next.Status == "" {
			next.Status = StatusDraft
		}
		if next.Composition == "" {
			next.Composition = CompositionAll
		}
		if next.Strategy == "" {
			next.Strategy = StrategyMostRestrictive
		}
	case PolicyAdded:
		if pl.PolicyID == "" {
			return s, invalid(s, e.Type, "policy id is required")
		}
		if s.Contains(pl.PolicyID) {
			return s, invalid(s, e.Type, fmt.Sprintf("policy %q is already a member", pl.PolicyID))
		}
		next.Members = append(next.Members, pl.PolicyID)
		if pl.Status != "" {
			next.Status = pl.Status
		}
	case PolicyRemoved:
		i := s.indexOf(pl.PolicyID)
		if i < 0 {
			return s, invalid(s, e.Type, fmt.Sprintf("policy %q is not a member", pl.PolicyID))
		}
		next.Members = append(next.Members[:i], next.Members[i+1:]...)
		if pl.Status != "" {
			next.Status = pl.Status
		}
	default:
		return s, fmt.Errorf("%w: payload %T for %s", event.ErrUnknownType, e.Payload, e.Type)
	}

	next.Version = s.Version + 1
	next.UpdatedAt = e.CreatedAt
	return next, nil
}

func invalid(s PolicySet, t event.Type, reason string) error {
	from := string(s.Status)
	if from == "" {
		from = "none"
	}
	return &event.TransitionError{Aggregate: event.AggregatePolicySet, From: from, Event: t, Reason: reason}
}
