// Package policyset contains the policy set aggregate: an ordered,
// duplicate-free collection of policy references with a composition rule
// and a conflict strategy.
package policyset

import "time"

// Status is the state of a set. Sets have no terminal state.
type Status string

const (
	StatusDraft   Status = "draft"
	StatusActive  Status = "active"
	StatusRetired Status = "retired"
)

// Composition decides how member results combine.
type Composition string

const (
	// CompositionAll passes when every member passes.
	CompositionAll Composition = "all"
	// CompositionAny passes when at least one member passes.
	CompositionAny Composition = "any"
	// CompositionMajority passes when more than half of the members pass.
	CompositionMajority Composition = "majority"
	// CompositionAtLeast passes when at least MinPassing members pass.
	CompositionAtLeast Composition = "at_least"
)

// Strategy selects how conflicts between members are resolved.
type Strategy string

const (
	StrategyMostRestrictive  Strategy = "most_restrictive"
	StrategyLeastRestrictive Strategy = "least_restrictive"
	StrategyPriorityOrder    Strategy = "priority_order"
	StrategyExplicit         Strategy = "explicit"
)

// PolicySet is the current state of a set aggregate.
type PolicySet struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Status      Status      `json:"status"`
	Composition Composition `json:"composition"`
	// MinPassing is used by CompositionAtLeast.
	MinPassing int      `json:"min_passing,omitempty"`
	Strategy   Strategy `json:"strategy"`
	// Members are policy IDs in priority order. They are weak references:
	// the policies are loaded separately.
	Members   []string  `json:"members"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   uint64    `json:"version"`
}

// Exists reports whether the set has been created.
func (s PolicySet) Exists() bool { return s.Status != "" }

// Contains reports whether policyID is a member.
func (s PolicySet) Contains(policyID string) bool {
	return s.indexOf(policyID) >= 0
}

// Rank returns the priority position of policyID, or -1.
func (s PolicySet) Rank(policyID string) int {
	return s.indexOf(policyID)
}

func (s PolicySet) indexOf(policyID string) int {
	for i, m := range s.Members {
		if m == policyID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy.
func (s PolicySet) Clone() PolicySet {
	out := s
	out.Members = append([]string(nil), s.Members...)
	return out
}
