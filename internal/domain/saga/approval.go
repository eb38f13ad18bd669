package saga

import (
	"sort"
	"strings"

	"github.com/Sentinel-Gate/policyledger/internal/domain/command"
	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policy"
)

// Approval saga states.
const (
	ApprovalDraft       State = "draft"
	ApprovalUnderReview State = "under_review"
	ApprovalApproving   State = "approving"
	ApprovalApproved    State = "approved"
	ApprovalCompleted   State = "completed"
	ApprovalRejected    State = "rejected"
	ApprovalWithdrawn   State = "withdrawn"
)

// External approval signals. Attrs carry "reviewer", "level" and "reason".
const (
	TriggerReviewerApproved Trigger = "reviewer_approved"
	TriggerReviewRejected   Trigger = "review_rejected"
)

// ApprovalSagaName identifies the approval saga.
const ApprovalSagaName = "approval"

// DefaultApprovalLevels are the reviewer levels that form a quorum.
var DefaultApprovalLevels = []string{"manager", "director"}

// Actor names used on commands issued by sagas.
const (
	actorApproval    = "saga:approval"
	actorEnforcement = "saga:enforcement"
	actorExemption   = "saga:exemption"
	actorAudit       = "saga:audit"
)

// NewApprovalSaga drives a policy from creation through review to
// activation. Reviewer approvals accumulate until every required level
// has approved; the quorum issues ApprovePolicy and the approval issues
// ActivatePolicy.
func NewApprovalSaga(levels []string) *Definition {
	if len(levels) == 0 {
		levels = DefaultApprovalLevels
	}
	required := append([]string(nil), levels...)
	sort.Strings(required)

	quorum := func(in Instance, sig Signal) bool {
		have := approvalsWith(in, sig.Attrs["level"])
		for _, l := range required {
			if !contains(have, l) {
				return false
			}
		}
		return true
	}
	record := func(in *Instance, sig Signal) {
		in.Data["approvals"] = strings.Join(approvalsWith(*in, sig.Attrs["level"]), ",")
		if r := sig.Attrs["reviewer"]; r != "" {
			in.Data["last_reviewer"] = r
		}
	}
	activate := func(in *Instance, sig Signal) []command.Command {
		return []command.Command{policy.ActivatePolicy{PolicyID: in.AggregateID, ActivatedBy: actorApproval}}
	}
	withdraw := []Transition{{Next: ApprovalWithdrawn}}

	return &Definition{
		Name:      ApprovalSagaName,
		Aggregate: event.AggregatePolicy,
		Initial:   ApprovalDraft,
		Final:     []State{ApprovalCompleted, ApprovalRejected, ApprovalWithdrawn},
		Table: map[Key][]Transition{
			{ApprovalDraft, OnEvent(event.TypePolicyCreated)}: {{
				Next: ApprovalUnderReview,
				Effect: func(in *Instance, sig Signal) []command.Command {
					if sig.Event != nil {
						if c, ok := sig.Event.Payload.(policy.Created); ok {
							in.Data["created_by"] = c.CreatedBy
						}
					}
					return nil
				},
			}},
			{ApprovalUnderReview, TriggerReviewerApproved}: {
				{
					Next:   ApprovalApproving,
					Guard:  quorum,
					Weight: 0.5,
					Effect: func(in *Instance, sig Signal) []command.Command {
						record(in, sig)
						return []command.Command{policy.ApprovePolicy{
							PolicyID:   in.AggregateID,
							ApprovedBy: approver(sig),
							Notes:      "quorum: " + in.Data["approvals"],
						}}
					},
				},
				{
					Next:   ApprovalUnderReview,
					Weight: 0.3,
					Effect: func(in *Instance, sig Signal) []command.Command {
						record(in, sig)
						return nil
					},
				},
			},
			{ApprovalUnderReview, TriggerReviewRejected}: {{
				Next:   ApprovalRejected,
				Weight: 0.2,
				Effect: func(in *Instance, sig Signal) []command.Command {
					reason := sig.Attrs["reason"]
					if reason == "" {
						reason = "rejected in review"
					}
					return []command.Command{policy.ArchivePolicy{PolicyID: in.AggregateID, ArchivedBy: approver(sig), Reason: reason}}
				},
			}},
			{ApprovalUnderReview, OnEvent(event.TypePolicyApproved)}: {{Next: ApprovalApproved, Effect: activate}},
			{ApprovalApproving, OnEvent(event.TypePolicyApproved)}:   {{Next: ApprovalApproved, Effect: activate}},
			{ApprovalApproved, OnEvent(event.TypePolicyActivated)}:   {{Next: ApprovalCompleted}},
			{ApprovalUnderReview, OnEvent(event.TypePolicyArchived)}: withdraw,
			{ApprovalApproving, OnEvent(event.TypePolicyArchived)}:   withdraw,
			{ApprovalApproved, OnEvent(event.TypePolicyArchived)}:    withdraw,
		},
	}
}

func approver(sig Signal) string {
	if r := sig.Attrs["reviewer"]; r != "" {
		return r
	}
	return actorApproval
}

// approvalsWith returns the recorded approval levels plus level, sorted
// and de-duplicated.
func approvalsWith(in Instance, level string) []string {
	var out []string
	if s := in.Data["approvals"]; s != "" {
		out = strings.Split(s, ",")
	}
	if level != "" && !contains(out, level) {
		out = append(out, level)
	}
	sort.Strings(out)
	return out
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
