// Package event defines the immutable event envelope shared by every
// aggregate, the closed set of event types, and the errors raised while
// folding an event stream.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies one of the closed set of domain event variants.
type Type string

// Policy lifecycle events.
const (
	TypePolicyCreated   Type = "PolicyCreated"
	TypePolicyUpdated   Type = "PolicyUpdated"
	TypePolicyApproved  Type = "PolicyApproved"
	TypePolicyActivated Type = "PolicyActivated"
	TypePolicySuspended Type = "PolicySuspended"
	TypePolicyRevoked   Type = "PolicyRevoked"
	TypePolicyArchived  Type = "PolicyArchived"
)

// Policy set events.
const (
	TypePolicySetCreated     Type = "PolicySetCreated"
	TypePolicyAddedToSet     Type = "PolicyAddedToSet"
	TypePolicyRemovedFromSet Type = "PolicyRemovedFromSet"
)

// Exemption events.
const (
	TypeExemptionGranted Type = "ExemptionGranted"
	TypeExemptionRevoked Type = "ExemptionRevoked"
	TypeExemptionExpired Type = "ExemptionExpired"
)

// Rule mutation events. They belong to the policy aggregate.
const (
	TypeRuleAdded      Type = "RuleAdded"
	TypeRuleUpdated    Type = "RuleUpdated"
	TypeRuleRemoved    Type = "RuleRemoved"
	TypeRulesReordered Type = "RulesReordered"
)

// AggregateType names the kind of aggregate an event stream belongs to.
type AggregateType string

const (
	// AggregatePolicy is the policy aggregate, including its rule events.
	AggregatePolicy AggregateType = "policy"
	// AggregatePolicySet is the policy set aggregate.
	AggregatePolicySet AggregateType = "policy_set"
	// AggregateExemption is the policy exemption aggregate.
	AggregateExemption AggregateType = "exemption"
)

// owners maps every known event type to the aggregate that owns it.
// The map is the closed union: a type absent here is not an event.
var owners = map[Type]AggregateType{
	TypePolicyCreated:        AggregatePolicy,
	TypePolicyUpdated:        AggregatePolicy,
	TypePolicyApproved:       AggregatePolicy,
	TypePolicyActivated:      AggregatePolicy,
	TypePolicySuspended:      AggregatePolicy,
	TypePolicyRevoked:        AggregatePolicy,
	TypePolicyArchived:       AggregatePolicy,
	TypeRuleAdded:            AggregatePolicy,
	TypeRuleUpdated:          AggregatePolicy,
	TypeRuleRemoved:          AggregatePolicy,
	TypeRulesReordered:       AggregatePolicy,
	TypePolicySetCreated:     AggregatePolicySet,
	TypePolicyAddedToSet:     AggregatePolicySet,
	TypePolicyRemovedFromSet: AggregatePolicySet,
	TypeExemptionGranted:     AggregateExemption,
	TypeExemptionRevoked:     AggregateExemption,
	TypeExemptionExpired:     AggregateExemption,
}

// Owner returns the aggregate type that owns t.
func Owner(t Type) (AggregateType, bool) {
	a, ok := owners[t]
	return a, ok
}

// Known reports whether t is one of the defined event types.
func Known(t Type) bool {
	_, ok := owners[t]
	return ok
}

// Types returns the defined event types owned by agg, or all of them when
// agg is empty. The order is unspecified.
func Types(agg AggregateType) []Type {
	out := make([]Type, 0, len(owners))
	for t, owner := range owners {
		if agg == "" || owner == agg {
			out = append(out, t)
		}
	}
	return out
}

// Payload is the typed body of an event. Each event type has exactly one
// payload struct, defined next to the aggregate that folds it.
type Payload interface {
	EventType() Type
}

// Event is an immutable fact about one aggregate.
type Event struct {
	// ID uniquely identifies the event (UUIDv7, time ordered).
	ID string
	// AggregateID is the aggregate instance the event belongs to.
	AggregateID string
	// AggregateType is the kind of aggregate.
	AggregateType AggregateType
	// Seq is the position in the aggregate's stream, contiguous from 1.
	Seq uint64
	// Type is the event variant; it always equals Payload.EventType().
	Type Type
	// CreatedAt is when the event was decided (UTC).
	CreatedAt time.Time
	// CorrelationID links events produced by the same command chain.
	CorrelationID string
	// Payload carries the variant data.
	Payload Payload
}

// New builds an event envelope for payload p.
func New(aggregateID string, seq uint64, at time.Time, p Payload) Event {
	t := p.EventType()
	owner, _ := Owner(t)
	return Event{
		ID:            NewID(),
		AggregateID:   aggregateID,
		AggregateType: owner,
		Seq:           seq,
		Type:          t,
		CreatedAt:     at.UTC(),
		Payload:       p,
	}
}

// NewID returns a new time-ordered identifier. It is also used for aggregate IDs.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
