// Package audit contains domain types for the decision audit trail.
package audit

import (
	"strings"
	"time"

	"github.com/Sentinel-Gate/policyledger/internal/domain/rule"
)

// Kind constants for audit records.
const (
	// KindEvaluation records a compliance evaluation.
	KindEvaluation = "evaluation"
	// KindCommand records a command handled by the command service.
	KindCommand = "command"
)

// Outcome constants for command records. Evaluation records carry the
// compliance outcome instead.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

// ActorType constants identify who issued a command.
const (
	ActorTypeUser   = "user"
	ActorTypeSystem = "system"
	ActorTypeSaga   = "saga"
)

// Record is one entry of the audit trail.
type Record struct {
	// Timestamp when the decision was made.
	Timestamp time.Time `json:"timestamp"`
	// Kind is KindEvaluation or KindCommand.
	Kind string `json:"kind"`
	// RequestID correlates the record with the events it produced.
	RequestID string `json:"request_id,omitempty"`

	// Target of the decision: a policy, a policy set or an exemption.
	TargetID      string `json:"target_id"`
	TargetType    string `json:"target_type"`
	TargetVersion uint64 `json:"target_version,omitempty"`

	// Outcome is compliant, non_compliant, compliant_with_exemption,
	// accepted or rejected.
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`

	// Evaluation details.
	RuleIDs     []string       `json:"rule_ids,omitempty"`
	MaxSeverity string         `json:"max_severity,omitempty"`
	ExemptionID string         `json:"exemption_id,omitempty"`
	ContextHash uint64         `json:"context_hash,omitempty"`
	Context     map[string]any `json:"context,omitempty"` // redacted

	// Command details.
	Command   string `json:"command,omitempty"`
	ActorID   string `json:"actor_id,omitempty"`
	ActorType string `json:"actor_type,omitempty"`
	Events    int    `json:"events,omitempty"`

	// LatencyMicros is the handling latency in microseconds.
	LatencyMicros int64 `json:"latency_micros"`
}

// sensitiveKeywords lists substrings that indicate a sensitive field name.
// Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey", "ssn",
}

// Redacted is the replacement for sensitive values.
const Redacted = "***REDACTED***"

// RedactContext returns the context fields as a plain map with sensitive
// values masked. A field is sensitive if any segment of its dotted name
// contains one of the sensitiveKeywords.
func RedactContext(ctx rule.Context) map[string]any {
	fields := ctx.Fields()
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		v, _ := ctx.Get(f)
		if isSensitiveKey(f) {
			out[f] = Redacted
		} else {
			out[f] = v.Interface()
		}
	}
	return out
}

// isSensitiveKey checks if a key name indicates sensitive data.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ActorTypeOf classifies an actor name. Sagas use the "saga:" prefix.
func ActorTypeOf(actor string) string {
	switch {
	case strings.HasPrefix(actor, "saga:"):
		return ActorTypeSaga
	case actor == "" || actor == "system":
		return ActorTypeSystem
	default:
		return ActorTypeUser
	}
}
