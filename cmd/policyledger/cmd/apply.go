package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/policyledger/internal/config"
	"github.com/Sentinel-Gate/policyledger/internal/domain/command"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policyset"
)

var applySkipExisting bool

var applyCmd = &cobra.Command{
	Use:   "apply MANIFEST...",
	Short: "Create policies, sets and exemptions from a manifest",
	Long: `Apply reads YAML manifests and issues one command per entry: policies
first, then policies instantiated from templates, then sets and their
members, then exemptions. Templates declared in any manifest are available
to every manifest of the same run, alongside the built-in ones.

New policies start in draft and enter review; use "policyledger policy review"
to record approvals.

Examples:
  # Apply a manifest
  policyledger apply policies.yaml

  # Re-apply, ignoring entries that already exist
  policyledger apply --skip-existing policies.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applySkipExisting, "skip-existing", false, "Ignore entries whose aggregate already exists")
	rootCmd.AddCommand(applyCmd)
}

func runApply(cmd *cobra.Command, args []string) error {
	manifests := make([]*config.Manifest, 0, len(args))
	for _, path := range args {
		m, err := config.LoadManifest(path)
		if err != nil {
			return err
		}
		manifests = append(manifests, m)
	}

	return withApp(appOptions{}, func(ctx context.Context, a *app) error {
		for _, m := range manifests {
			if err := m.RegisterTemplates(a.templates); err != nil {
				return err
			}
		}
		var cmds []command.Command
		for i, m := range manifests {
			mc, err := m.Commands(actor, a.templates)
			if err != nil {
				return fmt.Errorf("%s: %w", args[i], err)
			}
			cmds = append(cmds, mc...)
		}

		out := cmd.OutOrStdout()
		// Members of a set that already existed are left as they are.
		existing := make(map[string]bool)
		for _, c := range cmds {
			if add, ok := c.(policyset.AddPolicyToSet); ok && existing[add.SetID] {
				continue
			}
			res, err := a.commands.Handle(ctx, c)
			if err != nil {
				if applySkipExisting && errors.Is(err, command.ErrAlreadyExists) {
					existing[c.AggregateID()] = true
					fmt.Fprintf(out, "%-22s %-20s exists\n", c.CommandType(), c.AggregateID())
					continue
				}
				return fmt.Errorf("%s %s: %w", c.CommandType(), c.AggregateID(), err)
			}
			fmt.Fprintf(out, "%-22s %-20s v%d\n", c.CommandType(), c.AggregateID(), res.Seq)
		}
		return nil
	})
}
