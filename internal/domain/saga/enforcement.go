package saga

import (
	"github.com/Sentinel-Gate/policyledger/internal/domain/command"
	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policy"
)

// Enforcement saga states.
const (
	EnforcementIdle      State = "idle"
	EnforcementEnforcing State = "enforcing"
	EnforcementPaused    State = "paused"
	EnforcementExpiring  State = "expiring"
	EnforcementEnded     State = "ended"
)

// EnforcementSagaName identifies the enforcement saga.
const EnforcementSagaName = "enforcement"

// NewEnforcementSaga tracks whether a policy is enforced and revokes it
// once its effective period has ended.
func NewEnforcementSaga() *Definition {
	arm := func(in *Instance, sig Signal) []command.Command {
		in.ClearDeadline()
		if sig.Event == nil {
			return nil
		}
		if a, ok := sig.Event.Payload.(policy.Activated); ok && a.EffectiveUntil != nil {
			in.SetDeadline(*a.EffectiveUntil)
		}
		return nil
	}
	disarm := func(in *Instance, _ Signal) []command.Command {
		in.ClearDeadline()
		return nil
	}
	end := []Transition{{Next: EnforcementEnded, Effect: disarm}}

	return &Definition{
		Name:      EnforcementSagaName,
		Aggregate: event.AggregatePolicy,
		Initial:   EnforcementIdle,
		Final:     []State{EnforcementEnded},
		Table: map[Key][]Transition{
			{EnforcementIdle, OnEvent(event.TypePolicyActivated)}:        {{Next: EnforcementEnforcing, Effect: arm}},
			{EnforcementEnforcing, OnEvent(event.TypePolicySuspended)}:   {{Next: EnforcementPaused, Weight: 0.2, Effect: disarm}},
			{EnforcementPaused, OnEvent(event.TypePolicyActivated)}:      {{Next: EnforcementEnforcing, Weight: 0.6, Effect: arm}},
			{EnforcementEnforcing, OnEvent(event.TypePolicyRevoked)}:     end,
			{EnforcementEnforcing, OnEvent(event.TypePolicyArchived)}:    end,
			{EnforcementPaused, OnEvent(event.TypePolicyRevoked)}:        end,
			{EnforcementPaused, OnEvent(event.TypePolicyArchived)}:       end,
			{EnforcementExpiring, OnEvent(event.TypePolicyRevoked)}:      end,
			{EnforcementExpiring, OnEvent(event.TypePolicyArchived)}:     end,
			{EnforcementEnforcing, TriggerDeadline}: {{
				Next:   EnforcementExpiring,
				Weight: 0.1,
				Effect: func(in *Instance, _ Signal) []command.Command {
					return []command.Command{policy.RevokePolicy{
						PolicyID:  in.AggregateID,
						RevokedBy: actorEnforcement,
						Reason:    "effective period ended",
					}}
				},
			}},
		},
	}
}
