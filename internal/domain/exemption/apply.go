package exemption

import (
	"fmt"

	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
)

// Apply folds one event into x. Events owned by other aggregates leave x
// unchanged.
func Apply(x Exemption, e event.Event) (Exemption, error) {
	owner, _ := event.Owner(e.Type)
	if owner != event.AggregateExemption {
		return x, nil
	}
	if !x.Exists() && e.Type != event.TypeExemptionGranted {
		return x, invalid(x, e.Type, "exemption does not exist")
	}

	next := x.Clone()
	switch pl := e.Payload.(type) {
	case Granted:
		if x.Exists() {
			return x, invalid(x, e.Type, "exemption already exists")
		}
		if pl.ValidUntil.Before(pl.ValidFrom) {
			return x, invalid(x, e.Type, "valid until precedes valid from")
		}
		next = Exemption{
			ID:            e.AggregateID,
			PolicyID:      pl.PolicyID,
			Reason:        pl.Reason,
			Justification: pl.Justification,
			ApprovedBy:    pl.ApprovedBy,
			RuleIDs:       append([]string(nil), pl.RuleIDs...),
			Conditions:    pl.Conditions,
			ValidFrom:     pl.ValidFrom,
			ValidUntil:    pl.ValidUntil,
			Status:        StatusGranted,
			GrantedAt:     e.CreatedAt,
		}
	case Revoked:
		if x.Status != StatusGranted {
			return x, invalid(x, e.Type, "")
		}
		next.Status = StatusRevoked
		next.StatusReason = pl.Reason
	case Expired:
		if x.Status != StatusGranted {
			return x, invalid(x, e.Type, "")
		}
		if !pl.ExpiredAt.After(x.ValidUntil) {
			return x, invalid(x, e.Type, "validity window has not ended")
		}
		next.Status = StatusExpired
	default:
		return x, fmt.Errorf("%w: payload %T for %s", event.ErrUnknownType, e.Payload, e.Type)
	}

	next.Version = x.Version + 1
	next.UpdatedAt = e.CreatedAt
	return next, nil
}

func invalid(x Exemption, t event.Type, reason string) error {
	from := string(x.Status)
	if from == "" {
		from = "none"
	}
	return &event.TransitionError{Aggregate: event.AggregateExemption, From: from, Event: t, Reason: reason}
}
