package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/policyledger/internal/domain/conflict"
)

var conflictDecisions []string

var conflictsCmd = &cobra.Command{
	Use:   "conflicts SET_ID",
	Short: "Detect and resolve conflicts in a policy set",
	Long: `Conflicts lists pairs of member rules with opposite effects on an
equivalent condition and resolves each with the set's strategy.

Sets using the explicit strategy need a decision per conflict:
  policyledger conflicts set-1 --decide 3f9a...=pol-keys

The named policy prevails in that conflict.`,
	Args: cobra.ExactArgs(1),
	RunE: runConflicts,
}

func init() {
	conflictsCmd.Flags().StringArrayVar(&conflictDecisions, "decide", nil, "CONFLICT_ID=POLICY_ID naming the prevailing policy (repeatable)")
	rootCmd.AddCommand(conflictsCmd)
}

func runConflicts(cmd *cobra.Command, args []string) error {
	decisions, err := parseDecisions(conflictDecisions)
	if err != nil {
		return err
	}
	return withApp(appOptions{}, func(ctx context.Context, a *app) error {
		report, err := a.conflicts.Analyze(ctx, args[0], decisions)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), report)
	})
}

// parseDecisions turns CONFLICT_ID=POLICY_ID pairs into decisions.
func parseDecisions(pairs []string) (conflict.Decisions, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(conflict.Decisions, len(pairs))
	for _, p := range pairs {
		id, winner, ok := strings.Cut(p, "=")
		if !ok || id == "" || winner == "" {
			return nil, fmt.Errorf("invalid decision %q, want CONFLICT_ID=POLICY_ID", p)
		}
		out[id] = winner
	}
	return out, nil
}
