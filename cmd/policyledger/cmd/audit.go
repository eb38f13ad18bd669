package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/policyledger/internal/domain/audit"
)

var (
	auditSince   string
	auditKind    string
	auditTarget  string
	auditOutcome string
	auditLimit   int
	auditStats   bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query recorded decisions",
	Long: `Audit queries the decision trail written with audit.output set to
file://<dir>. Records are printed newest first, one JSON object per line.

Examples:
  policyledger audit --since 24h --target pol-mfa
  policyledger audit --since 168h --stats`,
	Args: cobra.NoArgs,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&auditSince, "since", "24h", "Look back this far (max 744h)")
	auditCmd.Flags().StringVar(&auditKind, "kind", "", "Filter by kind (evaluation, command)")
	auditCmd.Flags().StringVar(&auditTarget, "target", "", "Filter by policy, set or exemption ID")
	auditCmd.Flags().StringVar(&auditOutcome, "outcome", "", "Filter by outcome")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum records (max 1000)")
	auditCmd.Flags().BoolVar(&auditStats, "stats", false, "Print counts instead of records")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	since, err := time.ParseDuration(auditSince)
	if err != nil {
		return fmt.Errorf("--since: %w", err)
	}
	return withApp(appOptions{}, func(ctx context.Context, a *app) error {
		qs, ok := a.auditStore.(audit.QueryStore)
		if !ok || a.cfg.AuditDir() == "" {
			return errors.New("audit queries need audit.output set to file://<dir>")
		}
		end := time.Now().UTC()
		start := end.Add(-since)

		if auditStats {
			stats, err := qs.QueryStats(ctx, start, end)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), stats)
		}

		records, err := qs.Query(ctx, audit.Filter{
			StartTime: start,
			EndTime:   end,
			Kind:      auditKind,
			TargetID:  auditTarget,
			Outcome:   auditOutcome,
			Limit:     auditLimit,
		})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	})
}
