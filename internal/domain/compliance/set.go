package compliance

import (
	"fmt"
	"time"

	"github.com/Sentinel-Gate/policyledger/internal/domain/conflict"
	"github.com/Sentinel-Gate/policyledger/internal/domain/exemption"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policy"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policyset"
	"github.com/Sentinel-Gate/policyledger/internal/domain/rule"
)

// SetResult is the outcome of evaluating a policy set.
type SetResult struct {
	SetID       string                `json:"set_id"`
	Composition policyset.Composition `json:"composition"`
	Passed      bool                  `json:"passed"`
	// Results holds one entry per evaluated member, in member order.
	Results []Result `json:"results"`
	// Skipped lists members that were not in effect at evaluation time.
	Skipped []string `json:"skipped,omitempty"`
	// Resolutions records how conflicts between members were settled.
	Resolutions []conflict.Resolution `json:"resolutions,omitempty"`
}

// Violations flattens the violations of failing members.
func (r SetResult) Violations() []Violation {
	var out []Violation
	for _, res := range r.Results {
		if res.Outcome == NonCompliant {
			out = append(out, res.Violations...)
		}
	}
	return out
}

// EvaluateSet evaluates every member policy in set order and combines the
// results with the set's composition. policies must contain the members
// (keyed by ID); members missing from it or not in effect are skipped.
func EvaluateSet(ev *rule.Evaluator, s policyset.PolicySet, policies map[string]policy.Policy, ctx rule.Context, exemptions []exemption.Exemption, now time.Time) (SetResult, error) {
	out := SetResult{SetID: s.ID, Composition: s.Composition}
	passed := 0
	for _, id := range s.Members {
		p, ok := policies[id]
		if !ok || !p.EffectiveAt(now) {
			out.Skipped = append(out.Skipped, id)
			continue
		}
		res, err := EvaluatePolicy(ev, p, ctx, exemptions, now)
		if err != nil {
			return SetResult{}, fmt.Errorf("set %s: %w", s.ID, err)
		}
		if res.Passed() {
			passed++
		}
		out.Results = append(out.Results, res)
	}

	total := len(out.Results)
	switch s.Composition {
	case policyset.CompositionAny:
		out.Passed = total == 0 || passed > 0
	case policyset.CompositionMajority:
		out.Passed = passed*2 > total || total == 0
	case policyset.CompositionAtLeast:
		out.Passed = passed >= s.MinPassing
	default:
		out.Passed = passed == total
	}
	return out, nil
}
