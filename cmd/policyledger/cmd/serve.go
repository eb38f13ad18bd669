package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"

	opshttp "github.com/Sentinel-Gate/policyledger/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/policyledger/internal/config"
	"github.com/Sentinel-Gate/policyledger/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run sagas, the deadline scheduler and the ops endpoint",
	Long: `Serve keeps the workflow engine running: saga inputs are processed as
they arrive, deadlines fire on sagas.tick_interval, and /health and /metrics
are served on ops.addr.

Examples:
  # Run with the config file settings
  policyledger serve

  # Run against an in-memory store
  policyledger serve --dev`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM. A second
// signal after cancellation gets the default behaviour.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ctx, stop
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if f := config.ConfigFileUsed(); f != "" {
		logger.Info("loaded config", "file", f)
	}

	ctx, stop := signalContext()
	defer stop()
	defer setupTelemetry(ctx, cfg, logger)()

	a, err := newApp(ctx, cfg, logger, appOptions{auditWriter: os.Stdout})
	if err != nil {
		return err
	}
	defer a.close()

	// Inputs queued while the app was wired are processed first.
	if err := a.settle(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.sagas.Run(ctx)
	}()

	tick := config.Duration(cfg.Sagas.TickInterval, service.DefaultTickInterval)
	scheduler := service.NewScheduler(a.sagas, tick, logger)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	logger.Info("policyledger starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"store", cfg.Store.Driver,
		"bus", cfg.Bus.Driver,
		"namespace", cfg.Bus.Namespace,
		"approval_levels", cfg.Sagas.ApprovalLevels,
		"tick_interval", tick,
		"audit_output", cfg.Audit.Output,
		"ops_addr", cfg.Ops.Addr,
	)

	var serveErr error
	if cfg.Ops.Enabled {
		health := opshttp.NewHealthChecker(a.pinger, a.audit, a.sagas, Version)
		server := opshttp.NewServer(a.promReg,
			opshttp.WithAddr(cfg.Ops.Addr),
			opshttp.WithLogger(logger),
			opshttp.WithHealthChecker(health),
		)
		if err := server.Start(ctx); err != nil {
			serveErr = fmt.Errorf("ops server: %w", err)
			stop()
		}
	} else {
		<-ctx.Done()
	}

	wg.Wait()
	logger.Info("policyledger stopped")
	return serveErr
}
