package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/policyledger/internal/domain/command"
	"github.com/Sentinel-Gate/policyledger/internal/domain/exemption"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policy"
	"github.com/Sentinel-Gate/policyledger/internal/domain/saga"
)

var (
	reviewLevel    string
	reviewReviewer string
	reviewReject   bool
	lifecycleNote  string
	activateFrom   string
	activateUntil  string
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Review and move policies through their lifecycle",
}

var reviewCmd = &cobra.Command{
	Use:   "review POLICY_ID",
	Short: "Record a reviewer decision for a policy under review",
	Long: `Review signals the approval workflow. A policy is approved and activated
once every configured level (sagas.approval_levels) has approved it.

Examples:
  policyledger policy review pol-1 --level manager --reviewer mia
  policyledger policy review pol-1 --reject --reason "too broad"`,
	Args: cobra.ExactArgs(1),
	RunE: runReview,
}

var approveCmd = &cobra.Command{
	Use:   "approve POLICY_ID",
	Short: "Approve a draft policy directly, bypassing review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLifecycle(cmd, policy.ApprovePolicy{PolicyID: args[0], ApprovedBy: actor, Notes: lifecycleNote})
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate POLICY_ID",
	Short: "Activate an approved or suspended policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := policy.ActivatePolicy{PolicyID: args[0], ActivatedBy: actor}
		if activateFrom != "" {
			t, err := time.Parse(time.RFC3339, activateFrom)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			c.EffectiveFrom = t
		}
		if activateUntil != "" {
			t, err := time.Parse(time.RFC3339, activateUntil)
			if err != nil {
				return fmt.Errorf("--until: %w", err)
			}
			c.EffectiveUntil = &t
		}
		return runLifecycle(cmd, c)
	},
}

var suspendCmd = &cobra.Command{
	Use:   "suspend POLICY_ID",
	Short: "Pause enforcement of an active policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLifecycle(cmd, policy.SuspendPolicy{PolicyID: args[0], SuspendedBy: actor, Reason: lifecycleNote})
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke POLICY_ID",
	Short: "End enforcement of a policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLifecycle(cmd, policy.RevokePolicy{PolicyID: args[0], RevokedBy: actor, Reason: lifecycleNote})
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive POLICY_ID",
	Short: "Retire a policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLifecycle(cmd, policy.ArchivePolicy{PolicyID: args[0], ArchivedBy: actor, Reason: lifecycleNote})
	},
}

var exemptionCmd = &cobra.Command{
	Use:   "exemption",
	Short: "Manage exemptions",
}

var exemptionRevokeCmd = &cobra.Command{
	Use:   "revoke EXEMPTION_ID",
	Short: "Withdraw an exemption before its window ends",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLifecycle(cmd, exemption.RevokeExemption{ExemptionID: args[0], RevokedBy: actor, Reason: lifecycleNote})
	},
}

func init() {
	reviewCmd.Flags().StringVar(&reviewLevel, "level", "", "Approval level of the reviewer (e.g., manager)")
	reviewCmd.Flags().StringVar(&reviewReviewer, "reviewer", "", "Reviewer identity (default: --actor)")
	reviewCmd.Flags().BoolVar(&reviewReject, "reject", false, "Reject instead of approve")
	reviewCmd.Flags().StringVar(&lifecycleNote, "reason", "", "Rejection reason")

	approveCmd.Flags().StringVar(&lifecycleNote, "notes", "", "Approval notes")
	activateCmd.Flags().StringVar(&activateFrom, "from", "", "Effective from (RFC 3339, default now)")
	activateCmd.Flags().StringVar(&activateUntil, "until", "", "Effective until (RFC 3339)")
	for _, c := range []*cobra.Command{suspendCmd, revokeCmd, archiveCmd, exemptionRevokeCmd} {
		c.Flags().StringVar(&lifecycleNote, "reason", "", "Reason recorded on the event")
	}

	policyCmd.AddCommand(reviewCmd, approveCmd, activateCmd, suspendCmd, revokeCmd, archiveCmd)
	exemptionCmd.AddCommand(exemptionRevokeCmd)
	rootCmd.AddCommand(policyCmd, exemptionCmd)
}

func runLifecycle(cmd *cobra.Command, c command.Command) error {
	return withApp(appOptions{}, func(ctx context.Context, a *app) error {
		res, err := a.commands.Handle(ctx, c)
		if err != nil {
			return err
		}
		for _, e := range res.Events {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s v%d\n", e.Type, e.AggregateID, e.Seq)
		}
		return nil
	})
}

func runReview(cmd *cobra.Command, args []string) error {
	if !reviewReject && reviewLevel == "" {
		return errors.New("--level is required when approving")
	}
	reviewer := reviewReviewer
	if reviewer == "" {
		reviewer = actor
	}
	sig := saga.Signal{
		Trigger: saga.TriggerReviewerApproved,
		Attrs:   map[string]string{"reviewer": reviewer, "level": reviewLevel},
	}
	if reviewReject {
		sig.Trigger = saga.TriggerReviewRejected
		sig.Attrs["reason"] = lifecycleNote
	}

	policyID := args[0]
	return withApp(appOptions{}, func(ctx context.Context, a *app) error {
		in, ok, err := a.sagas.Instance(ctx, saga.ApprovalSagaName, policyID)
		if err != nil {
			return err
		}
		if !ok || in.State != saga.ApprovalUnderReview {
			return fmt.Errorf("policy %s is not under review", policyID)
		}
		if err := a.sagas.Signal(ctx, saga.ApprovalSagaName, policyID, sig); err != nil {
			return err
		}
		if err := a.settle(ctx); err != nil {
			return err
		}
		in, _, err = a.sagas.Instance(ctx, saga.ApprovalSagaName, policyID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s review: %s (approvals: %s)\n", policyID, in.State, in.Data["approvals"])
		return nil
	})
}
