package event

import "strings"

// DefaultNamespace is the subject prefix used when none is configured.
const DefaultNamespace = "events.policy"

// Subject returns the routing subject for an event:
// <namespace>.<aggregateId>.<eventtype>, with the type lower-cased.
func Subject(namespace, aggregateID string, t Type) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return namespace + "." + aggregateID + "." + strings.ToLower(string(t))
}

// AggregatePattern matches every event of one aggregate.
func AggregatePattern(namespace, aggregateID string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return namespace + "." + aggregateID + ".*"
}

// TypePattern matches one event type across all aggregates.
func TypePattern(namespace string, t Type) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return namespace + ".*." + strings.ToLower(string(t))
}

// AllPattern matches every event in the namespace.
func AllPattern(namespace string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return namespace + ".>"
}

// MatchSubject reports whether subject matches pattern. Tokens are separated
// by '.', '*' matches exactly one token and a trailing '>' matches one or
// more remaining tokens.
func MatchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
