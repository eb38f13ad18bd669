package cmd

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
)

var (
	watchType      string
	watchAggregate string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print events published on the Redis bus",
	Long: `Watch subscribes to the Redis bus and prints every matching event as a
JSON line until interrupted. Requires bus.driver: redis.

Examples:
  policyledger watch
  policyledger watch --type PolicyActivated
  policyledger watch --aggregate pol-mfa`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchType, "type", "", "Only events of this type")
	watchCmd.Flags().StringVar(&watchAggregate, "aggregate", "", "Only events of this aggregate")
	rootCmd.AddCommand(watchCmd)
}

// watchPattern builds the subject pattern for the watch filters.
func watchPattern(ns, aggregate, typ string) string {
	switch {
	case aggregate != "" && typ != "":
		return event.Subject(ns, aggregate, event.Type(typ))
	case aggregate != "":
		return event.AggregatePattern(ns, aggregate)
	case typ != "":
		return event.TypePattern(ns, event.Type(typ))
	default:
		return event.AllPattern(ns)
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	return withApp(appOptions{requireRemote: true}, func(ctx context.Context, a *app) error {
		var mu sync.Mutex
		enc := json.NewEncoder(cmd.OutOrStdout())
		pattern := watchPattern(a.cfg.Bus.Namespace, watchAggregate, watchType)
		sub, err := a.remote.Subscribe(ctx, pattern, func(_ context.Context, _ string, rec event.Record) {
			mu.Lock()
			defer mu.Unlock()
			if err := enc.Encode(rec); err != nil {
				a.logger.Warn("write event failed", "error", err)
			}
		})
		if err != nil {
			return err
		}
		defer sub.Unsubscribe() //nolint:errcheck
		a.logger.Info("watching", "pattern", pattern)
		<-ctx.Done()
		return nil
	})
}
