package saga

import (
	"time"

	"github.com/Sentinel-Gate/policyledger/internal/domain/command"
	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policy"
)

// Audit saga states.
const (
	AuditIdle         State = "idle"
	AuditScheduled    State = "scheduled"
	AuditInProgress   State = "in_progress"
	AuditNonCompliant State = "non_compliant"
	AuditPaused       State = "paused"
	AuditClosed       State = "closed"
)

// Audit outcome signals, produced from compliance evaluations of the
// audited policy. Attrs may carry "severity".
const (
	TriggerAuditPassed Trigger = "audit_passed"
	TriggerAuditFailed Trigger = "audit_failed"
)

// AuditSagaName identifies the audit saga.
const AuditSagaName = "audit"

// DefaultAuditInterval is the time between periodic audits.
const DefaultAuditInterval = 24 * time.Hour

// NewAuditSaga schedules periodic audits of active policies. When an audit
// is due the next compliance evaluation of the policy decides it; a failed
// audit suspends the policy.
func NewAuditSaga(interval time.Duration) *Definition {
	if interval <= 0 {
		interval = DefaultAuditInterval
	}
	schedule := func(in *Instance, sig Signal) []command.Command {
		in.SetDeadline(sig.At.Add(interval))
		return nil
	}
	pause := func(in *Instance, _ Signal) []command.Command {
		in.ClearDeadline()
		return nil
	}
	closed := []Transition{{Next: AuditClosed, Effect: pause}}

	table := map[Key][]Transition{
		{AuditIdle, OnEvent(event.TypePolicyActivated)}:         {{Next: AuditScheduled, Effect: schedule}},
		{AuditScheduled, TriggerDeadline}:                       {{Next: AuditInProgress}},
		{AuditInProgress, TriggerAuditPassed}:                   {{Next: AuditScheduled, Weight: 0.9, Effect: schedule}},
		{AuditNonCompliant, OnEvent(event.TypePolicyActivated)}: {{Next: AuditScheduled, Effect: schedule}},
		{AuditPaused, OnEvent(event.TypePolicyActivated)}:       {{Next: AuditScheduled, Effect: schedule}},
		{AuditScheduled, OnEvent(event.TypePolicySuspended)}:    {{Next: AuditPaused, Effect: pause}},
		{AuditInProgress, OnEvent(event.TypePolicySuspended)}:   {{Next: AuditPaused, Effect: pause}},
		{AuditInProgress, TriggerAuditFailed}: {{
			Next:   AuditNonCompliant,
			Weight: 0.1,
			Effect: func(in *Instance, sig Signal) []command.Command {
				reason := "periodic audit failed"
				if s := sig.Attrs["severity"]; s != "" {
					reason += " with " + s + " violations"
				}
				in.Data["last_failure"] = reason
				return []command.Command{policy.SuspendPolicy{PolicyID: in.AggregateID, SuspendedBy: actorAudit, Reason: reason}}
			},
		}},
	}
	for _, from := range []State{AuditScheduled, AuditInProgress, AuditNonCompliant, AuditPaused} {
		table[Key{from, OnEvent(event.TypePolicyRevoked)}] = closed
		table[Key{from, OnEvent(event.TypePolicyArchived)}] = closed
	}

	return &Definition{
		Name:      AuditSagaName,
		Aggregate: event.AggregatePolicy,
		Initial:   AuditIdle,
		Final:     []State{AuditClosed},
		Table:     table,
	}
}
