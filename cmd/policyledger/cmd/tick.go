package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var tickAt string

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Fire due saga deadlines",
	Long: `Tick fires every saga deadline that has passed: exemptions whose window
has ended are expired, stale reviews time out and periodic audits are due.

Run it from cron when "policyledger serve" is not running.`,
	Args: cobra.NoArgs,
	RunE: runTick,
}

func init() {
	tickCmd.Flags().StringVar(&tickAt, "at", "", "Evaluate deadlines at this time (RFC 3339, default now)")
	rootCmd.AddCommand(tickCmd)
}

func runTick(cmd *cobra.Command, args []string) error {
	now := time.Now().UTC()
	if tickAt != "" {
		t, err := time.Parse(time.RFC3339, tickAt)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		now = t
	}
	return withApp(appOptions{}, func(ctx context.Context, a *app) error {
		n, err := a.sagas.Tick(ctx, now)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d deadline(s) fired\n", n)
		return nil
	})
}
