// Package conflict detects contradictory rules between policies composed
// in one set and resolves them with the set's strategy.
package conflict

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/Sentinel-Gate/policyledger/internal/domain/policy"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policyset"
	"github.com/Sentinel-Gate/policyledger/internal/domain/rule"
)

// ErrConflictUnresolved is returned under the explicit strategy when no
// decision has been recorded for a conflict.
var ErrConflictUnresolved = errors.New("conflict unresolved")

// UnresolvedError names the conflict that lacks a decision.
type UnresolvedError struct {
	ConflictID string
	Reason     string
}

func (e *UnresolvedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("conflict %s unresolved: %s", e.ConflictID, e.Reason)
	}
	return fmt.Sprintf("conflict %s unresolved", e.ConflictID)
}

// Is matches ErrConflictUnresolved.
func (e *UnresolvedError) Is(target error) bool { return target == ErrConflictUnresolved }

// Side is one party of a conflict.
type Side struct {
	PolicyID string        `json:"policy_id"`
	RuleID   string        `json:"rule_id"`
	Effect   policy.Effect `json:"effect"`
	// Rank is the policy's position in the set.
	Rank int `json:"rank"`
}

// Conflict is a pair of rules in overlapping policies with opposite
// effects on an equivalent condition. A is always the higher-priority side.
type Conflict struct {
	// ID is stable across runs and independent of member order.
	ID        string `json:"id"`
	SetID     string `json:"set_id"`
	A         Side   `json:"a"`
	B         Side   `json:"b"`
	Condition string `json:"condition"`
}

// Detect returns the conflicts among the members of s, in set order.
// policies must hold the members keyed by ID; missing members are skipped.
func Detect(s policyset.PolicySet, policies map[string]policy.Policy) []Conflict {
	var out []Conflict
	for i := 0; i < len(s.Members); i++ {
		pa, ok := policies[s.Members[i]]
		if !ok {
			continue
		}
		for j := i + 1; j < len(s.Members); j++ {
			pb, ok := policies[s.Members[j]]
			if !ok || !pa.Target.Overlaps(pb.Target) {
				continue
			}
			for _, ra := range pa.Rules {
				for _, rb := range pb.Rules {
					if ra.Effect == rb.Effect || !rule.Equivalent(ra.Condition, rb.Condition) {
						continue
					}
					a := Side{PolicyID: pa.ID, RuleID: ra.ID, Effect: ra.Effect, Rank: i}
					b := Side{PolicyID: pb.ID, RuleID: rb.ID, Effect: rb.Effect, Rank: j}
					out = append(out, Conflict{
						ID:        conflictID(a, b),
						SetID:     s.ID,
						A:         a,
						B:         b,
						Condition: ra.Condition.Canonical(),
					})
				}
			}
		}
	}
	return out
}

func conflictID(a, b Side) string {
	keys := []string{a.PolicyID + "/" + a.RuleID, b.PolicyID + "/" + b.RuleID}
	sort.Strings(keys)
	h := xxhash.New()
	_, _ = h.WriteString(keys[0])
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(keys[1])
	return strconv.FormatUint(h.Sum64(), 16)
}

// Resolution is the decided outcome of one conflict.
type Resolution struct {
	Conflict Conflict           `json:"conflict"`
	Strategy policyset.Strategy `json:"strategy"`
	Winner   Side               `json:"winner"`
}

// Effect is the effect that prevails.
func (r Resolution) Effect() policy.Effect { return r.Winner.Effect }

// Decisions maps a conflict ID to the policy ID a human chose to prevail.
type Decisions map[string]string

// Resolve applies strategy to c. Most and least restrictive pick the deny
// and allow side respectively, priority order picks the side ranked first
// in the set, explicit looks up decisions.
func Resolve(strategy policyset.Strategy, c Conflict, decisions Decisions) (Resolution, error) {
	res := Resolution{Conflict: c, Strategy: strategy}
	switch strategy {
	case policyset.StrategyMostRestrictive, "":
		res.Strategy = policyset.StrategyMostRestrictive
		res.Winner = pick(c, policy.EffectDeny)
	case policyset.StrategyLeastRestrictive:
		res.Winner = pick(c, policy.EffectAllow)
	case policyset.StrategyPriorityOrder:
		res.Winner = c.A
		if c.B.Rank < c.A.Rank {
			res.Winner = c.B
		}
	case policyset.StrategyExplicit:
		chosen, ok := decisions[c.ID]
		if !ok {
			return Resolution{}, &UnresolvedError{ConflictID: c.ID}
		}
		switch chosen {
		case c.A.PolicyID:
			res.Winner = c.A
		case c.B.PolicyID:
			res.Winner = c.B
		default:
			return Resolution{}, &UnresolvedError{ConflictID: c.ID, Reason: fmt.Sprintf("decision names %q, which is not a party", chosen)}
		}
	default:
		return Resolution{}, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
	return res, nil
}

func pick(c Conflict, effect policy.Effect) Side {
	if c.A.Effect == effect {
		return c.A
	}
	return c.B
}

// ResolveAll resolves every conflict with the set's strategy. Resolved
// conflicts are returned even when others fail; the error joins every
// failure.
func ResolveAll(s policyset.PolicySet, conflicts []Conflict, decisions Decisions) ([]Resolution, error) {
	out := make([]Resolution, 0, len(conflicts))
	var errs []error
	for _, c := range conflicts {
		r, err := Resolve(s.Strategy, c, decisions)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, r)
	}
	return out, errors.Join(errs...)
}
