package saga

import (
	"github.com/Sentinel-Gate/policyledger/internal/domain/command"
	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
	"github.com/Sentinel-Gate/policyledger/internal/domain/exemption"
)

// Exemption lifecycle saga states.
const (
	ExemptionPending  State = "pending"
	ExemptionActive   State = "active"
	ExemptionExpiring State = "expiring"
	ExemptionClosed   State = "closed"
)

// ExemptionSagaName identifies the exemption lifecycle saga.
const ExemptionSagaName = "exemption"

// NewExemptionSaga expires exemptions when their window ends. Expiry is
// never implied by time alone: the saga issues ExpireExemption and the
// aggregate records ExemptionExpired. Until that event arrives the
// instance stays in expiring and every later deadline tick re-issues the
// command.
func NewExemptionSaga() *Definition {
	closed := []Transition{{Next: ExemptionClosed, Effect: func(in *Instance, _ Signal) []command.Command {
		in.ClearDeadline()
		return nil
	}}}

	// Re-armed at the tick time: the next tick retries a refused expiry.
	expire := func(in *Instance, sig Signal) []command.Command {
		in.SetDeadline(sig.At)
		return []command.Command{exemption.ExpireExemption{ExemptionID: in.AggregateID}}
	}

	return &Definition{
		Name:      ExemptionSagaName,
		Aggregate: event.AggregateExemption,
		Initial:   ExemptionPending,
		Final:     []State{ExemptionClosed},
		Table: map[Key][]Transition{
			{ExemptionPending, OnEvent(event.TypeExemptionGranted)}: {{
				Next: ExemptionActive,
				Effect: func(in *Instance, sig Signal) []command.Command {
					if sig.Event != nil {
						if g, ok := sig.Event.Payload.(exemption.Granted); ok {
							in.Data["policy_id"] = g.PolicyID
							in.SetDeadline(g.ValidUntil)
						}
					}
					return nil
				},
			}},
			{ExemptionActive, TriggerDeadline}: {{
				Next:   ExemptionExpiring,
				Weight: 0.8,
				Effect: expire,
			}},
			{ExemptionExpiring, TriggerDeadline}: {{
				Next:   ExemptionExpiring,
				Effect: expire,
			}},
			{ExemptionActive, OnEvent(event.TypeExemptionRevoked)}:   closed,
			{ExemptionActive, OnEvent(event.TypeExemptionExpired)}:   closed,
			{ExemptionExpiring, OnEvent(event.TypeExemptionExpired)}: closed,
			{ExemptionExpiring, OnEvent(event.TypeExemptionRevoked)}: closed,
		},
	}
}
