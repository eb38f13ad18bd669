package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/policyledger/internal/domain/template"
)

var (
	templateCategory string
	templateTag      string
	templatePolicyID string
	templateName     string
	templateParams   []string
	templateDryRun   bool
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "List and instantiate policy templates",
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the built-in templates",
	Args:  cobra.NoArgs,
	RunE:  runTemplateList,
}

var templateShowCmd = &cobra.Command{
	Use:   "show TEMPLATE_ID",
	Short: "Print a template with its parameters as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(appOptions{}, func(_ context.Context, a *app) error {
			t, ok := a.templates.Get(args[0])
			if !ok {
				return fmt.Errorf("%w: %s", template.ErrNotFound, args[0])
			}
			return writeJSON(cmd.OutOrStdout(), t)
		})
	},
}

var templateInstantiateCmd = &cobra.Command{
	Use:   "instantiate TEMPLATE_ID",
	Short: "Create a policy from a template",
	Long: `Instantiate substitutes parameter values into a template and creates the
resulting policy in draft. Parameters without a value take their default.

Examples:
  policyledger template instantiate pki-certificate --policy-id pol-pki \
    --param min_key_size=4096 --param allowed_algorithms=RSA,ECDSA

  # Print the command without creating the policy
  policyledger template instantiate rbac-authorization --policy-id pol-ops \
    --param required_role=operator --dry-run

Templates declared in manifests are instantiated with "policyledger apply".`,
	Args: cobra.ExactArgs(1),
	RunE: runTemplateInstantiate,
}

func init() {
	templateListCmd.Flags().StringVar(&templateCategory, "category", "", "Only templates in this category")
	templateListCmd.Flags().StringVar(&templateTag, "tag", "", "Only templates carrying this tag")

	templateInstantiateCmd.Flags().StringVar(&templatePolicyID, "policy-id", "", "ID of the new policy")
	templateInstantiateCmd.Flags().StringVar(&templateName, "name", "", "Policy name (default: the template's)")
	templateInstantiateCmd.Flags().StringArrayVar(&templateParams, "param", nil, "NAME=VALUE parameter value, lists comma separated (repeatable)")
	templateInstantiateCmd.Flags().BoolVar(&templateDryRun, "dry-run", false, "Print the command instead of handling it")
	_ = templateInstantiateCmd.MarkFlagRequired("policy-id")

	templateCmd.AddCommand(templateListCmd, templateShowCmd, templateInstantiateCmd)
	rootCmd.AddCommand(templateCmd)
}

func runTemplateList(cmd *cobra.Command, _ []string) error {
	return withApp(appOptions{}, func(_ context.Context, a *app) error {
		var list []template.Template
		switch {
		case templateCategory != "":
			list = a.templates.ByCategory(templateCategory)
		case templateTag != "":
			list = a.templates.ByTag(templateTag)
		default:
			list = a.templates.List()
		}
		out := cmd.OutOrStdout()
		for _, t := range list {
			if templateCategory != "" && templateTag != "" && !t.HasTag(templateTag) {
				continue
			}
			names := make([]string, len(t.Parameters))
			for i, p := range t.Parameters {
				names[i] = p.Name
			}
			fmt.Fprintf(out, "%-24s %-14s %s\n", t.ID, t.Category, strings.Join(names, ","))
		}
		return nil
	})
}

func runTemplateInstantiate(cmd *cobra.Command, args []string) error {
	raw, err := parseParamPairs(templateParams)
	if err != nil {
		return err
	}
	return withApp(appOptions{}, func(ctx context.Context, a *app) error {
		params, err := a.templates.ParseParams(args[0], raw)
		if err != nil {
			return err
		}
		c, err := a.templates.Instantiate(args[0], template.Request{
			PolicyID:  templatePolicyID,
			Name:      templateName,
			CreatedBy: actor,
			Params:    params,
		})
		if err != nil {
			return err
		}
		if templateDryRun {
			return writeJSON(cmd.OutOrStdout(), c)
		}
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

// parseParamPairs splits NAME=VALUE flags. Values may contain '='.
func parseParamPairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q, want NAME=VALUE", p)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("parameter %s given twice", name)
		}
		out[name] = value
	}
	return out, nil
}
