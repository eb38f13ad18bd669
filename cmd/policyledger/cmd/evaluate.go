package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/policyledger/internal/domain/rule"
)

var (
	evalPolicyID string
	evalSetID    string
	evalContext  string
	evalDecide   []string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate (--policy ID | --set ID) --context FILE",
	Short: "Evaluate a policy or set against a context",
	Long: `Evaluate reads a JSON object of context fields and evaluates the current
state of a policy or policy set against it. Active exemptions are applied.
The decision is recorded in the audit trail.

Use "-" as FILE to read the context from stdin. Conflicts between set
members are resolved with the set's strategy; sets using the explicit
strategy need a --decide per conflict, as for the conflicts command.

Examples:
  echo '{"mfa": false, "role": "admin"}' | policyledger evaluate --policy pol-mfa --context -
  policyledger evaluate --set set-baseline --context request.json`,
	Args: cobra.NoArgs,
	RunE: runEvaluate,
}

func init() {
	evaluateCmd.Flags().StringVar(&evalPolicyID, "policy", "", "Policy ID")
	evaluateCmd.Flags().StringVar(&evalSetID, "set", "", "Policy set ID")
	evaluateCmd.Flags().StringVar(&evalContext, "context", "-", "JSON context file")
	evaluateCmd.Flags().StringArrayVar(&evalDecide, "decide", nil, "CONFLICT_ID=POLICY_ID for explicit resolution (repeatable)")
	evaluateCmd.MarkFlagsMutuallyExclusive("policy", "set")
	evaluateCmd.MarkFlagsOneRequired("policy", "set")
	rootCmd.AddCommand(evaluateCmd)
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	evalCtx, err := readContext(cmd.InOrStdin(), evalContext)
	if err != nil {
		return err
	}
	decisions, err := parseDecisions(evalDecide)
	if err != nil {
		return err
	}
	return withApp(appOptions{}, func(ctx context.Context, a *app) error {
		out := cmd.OutOrStdout()
		if evalSetID != "" {
			res, err := a.compliance.EvaluateSet(ctx, evalSetID, evalCtx, decisions)
			if err != nil {
				return err
			}
			return writeJSON(out, res)
		}
		res, err := a.compliance.EvaluatePolicy(ctx, evalPolicyID, evalCtx)
		if err != nil {
			return err
		}
		return writeJSON(out, res)
	})
}

// readContext decodes a JSON object from path, or from stdin for "-".
func readContext(stdin io.Reader, path string) (rule.Context, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path) //nolint:gosec // path is operator-supplied
		if err != nil {
			return rule.Context{}, fmt.Errorf("open context: %w", err)
		}
		defer f.Close()
		r = f
	}
	var raw map[string]any
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return rule.Context{}, fmt.Errorf("decode context: %w", err)
	}
	if raw == nil {
		return rule.Context{}, errors.New("context must be a JSON object")
	}
	return rule.ContextFromMap(raw)
}
