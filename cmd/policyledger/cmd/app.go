package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	celadapter "github.com/Sentinel-Gate/policyledger/internal/adapter/outbound/cel"
	auditfile "github.com/Sentinel-Gate/policyledger/internal/adapter/outbound/audit"
	"github.com/Sentinel-Gate/policyledger/internal/adapter/outbound/file"
	"github.com/Sentinel-Gate/policyledger/internal/adapter/outbound/memory"
	redisbus "github.com/Sentinel-Gate/policyledger/internal/adapter/outbound/redis"
	"github.com/Sentinel-Gate/policyledger/internal/adapter/outbound/sqlite"
	"github.com/Sentinel-Gate/policyledger/internal/config"
	"github.com/Sentinel-Gate/policyledger/internal/ctxkey"
	"github.com/Sentinel-Gate/policyledger/internal/domain/audit"
	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
	"github.com/Sentinel-Gate/policyledger/internal/domain/rule"
	"github.com/Sentinel-Gate/policyledger/internal/domain/saga"
	"github.com/Sentinel-Gate/policyledger/internal/domain/template"
	"github.com/Sentinel-Gate/policyledger/internal/metrics"
	"github.com/Sentinel-Gate/policyledger/internal/port/outbound"
	"github.com/Sentinel-Gate/policyledger/internal/service"
	"github.com/Sentinel-Gate/policyledger/internal/telemetry"
)

// app holds the wired core for one CLI invocation.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store      outbound.EventStore
	pinger     interface{ Ping(context.Context) error }
	sagaStore  outbound.SagaStore
	registry   *event.Registry
	promReg    *prometheus.Registry
	metrics    *metrics.Metrics
	bus        *memory.Bus
	remote     *redisbus.Bus
	auditStore audit.Store

	repos      service.Repositories
	commands   *service.CommandService
	audit      *service.AuditService
	sagas      *service.SagaManager
	exemptions *service.ExemptionIndex
	compliance *service.ComplianceService
	conflicts  *service.ConflictService
	templates  *template.Catalog

	closers []func() error
}

// appOptions tweak wiring per command.
type appOptions struct {
	// auditWriter receives "stdout" audit output. One-shot commands use
	// stderr so their own output stays parseable.
	auditWriter io.Writer
	// requireRemote fails when the Redis bus is not configured.
	requireRemote bool
}

// newLogger builds the slog logger. Logs go to stderr.
func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newApp wires stores, bus, services and sagas from cfg. The caller must
// call close.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.registry, err = service.NewEventRegistry(); err != nil {
		return nil, err
	}
	a.promReg = prometheus.NewRegistry()
	a.metrics = metrics.New(a.promReg)

	// ===== Event store, snapshots, saga instances =====
	var snaps outbound.SnapshotStore
	switch cfg.Store.Driver {
	case "sqlite":
		st, err := sqlite.Open(cfg.Store.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("open event store: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		a.store, a.pinger, a.sagaStore, snaps = st, st, st.Sagas(), st
	default:
		a.store = memory.NewEventStore()
		a.sagaStore = memory.NewSagaStore()
		snaps = memory.NewSnapshotStore()
	}
	if cfg.Store.SnapshotDir != "" {
		fs, err := file.NewSnapshotStore(cfg.Store.SnapshotDir, logger)
		if err != nil {
			return nil, err
		}
		snaps = fs
	}
	logger.Debug("event store ready", "driver", cfg.Store.Driver, "path", cfg.Store.Path)

	// ===== Bus =====
	// In-process consumers always read the local bus. Redis carries the
	// same events to other processes.
	a.bus = memory.NewBus(logger)
	a.closers = append(a.closers, a.bus.Close)
	var publisher outbound.Publisher = a.bus
	if cfg.Bus.Driver == "redis" {
		client, err := redisbus.Dial(ctx, redisbus.Options{
			Addr:     cfg.Bus.Redis.Addr,
			Password: cfg.Bus.Redis.Password,
			DB:       cfg.Bus.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		a.remote = redisbus.NewBus(client, logger)
		a.closers = append(a.closers, a.remote.Close)
		publisher = teePublisher{local: a.bus, remote: a.remote}
		logger.Debug("redis bus connected", "addr", cfg.Bus.Redis.Addr)
	} else if opts.requireRemote {
		return nil, errors.New("bus.driver must be redis")
	}

	// ===== Rule evaluation =====
	rules := rule.NewRegistry()
	celEval, err := celadapter.NewEvaluator()
	if err != nil {
		return nil, err
	}
	if err := celEval.Install(rules, cfg.Predicates); err != nil {
		return nil, fmt.Errorf("install predicates: %w", err)
	}
	evaluator := rule.NewEvaluator(rules)
	if a.templates, err = template.NewCatalog(evaluator, template.Builtin()...); err != nil {
		return nil, err
	}

	// ===== Audit =====
	if a.auditStore, err = newAuditStore(cfg, opts.auditWriter, logger); err != nil {
		return nil, err
	}
	a.audit = service.NewAuditService(a.auditStore, logger,
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(config.Duration(cfg.Audit.FlushInterval, time.Second)),
		service.WithSendTimeout(config.Duration(cfg.Audit.SendTimeout, 100*time.Millisecond)),
		service.WithWarningThreshold(cfg.Audit.WarningThreshold),
		service.WithAuditMetrics(a.metrics),
	)
	a.audit.Start(ctx)

	// ===== Core services =====
	a.repos = service.NewRepositories(a.store, a.registry, logger,
		service.WithSnapshots(snaps, cfg.Store.SnapshotInterval),
		service.WithPublisher(publisher, cfg.Bus.Namespace),
		service.WithRepositoryMetrics(a.metrics),
	)
	a.commands = service.NewCommandService(a.repos, logger,
		service.WithMaxRetries(cfg.Commands.MaxRetries),
		service.WithCommandAudit(a.audit),
		service.WithCommandMetrics(a.metrics),
	)

	defs := []*saga.Definition{
		saga.NewApprovalSaga(cfg.Sagas.ApprovalLevels),
		saga.NewEnforcementSaga(),
		saga.NewExemptionSaga(),
		saga.NewAuditSaga(config.Duration(cfg.Sagas.AuditInterval, saga.DefaultAuditInterval)),
	}
	if a.sagas, err = service.NewSagaManager(defs, a.sagaStore, a.commands, a.registry, a.metrics, logger); err != nil {
		return nil, err
	}
	if _, err := a.sagas.Attach(ctx, a.bus, cfg.Bus.Namespace); err != nil {
		return nil, err
	}

	a.exemptions = service.NewExemptionIndex(a.repos.Exemptions, a.registry, logger)
	if err := a.exemptions.Rebuild(ctx, a.store); err != nil {
		return nil, fmt.Errorf("rebuild exemption index: %w", err)
	}
	if _, err := a.exemptions.Follow(ctx, a.bus, cfg.Bus.Namespace); err != nil {
		return nil, err
	}

	a.conflicts = service.NewConflictService(a.commands, cfg.Conflicts.CacheSize, a.metrics, logger)
	a.compliance = service.NewComplianceService(a.commands, a.exemptions, evaluator, logger,
		service.WithComplianceAudit(a.audit),
		service.WithSignaler(a.sagas),
		service.WithComplianceMetrics(a.metrics),
		service.WithConflicts(a.conflicts),
	)

	return a, nil
}

// newAuditStore selects the decision store from audit.output.
func newAuditStore(cfg *config.Config, w io.Writer, logger *slog.Logger) (audit.Store, error) {
	switch {
	case cfg.Audit.Output == "none":
		return memory.NewAuditStore(nil, cfg.Audit.BufferSize), nil
	case cfg.AuditDir() != "":
		return auditfile.NewFileStore(auditfile.Config{
			Dir:           cfg.AuditDir(),
			RetentionDays: cfg.Audit.RetentionDays,
			MaxFileSizeMB: cfg.Audit.MaxFileSizeMB,
			CacheSize:     cfg.Audit.BufferSize,
		}, logger)
	default:
		if w == nil {
			w = os.Stdout
		}
		return memory.NewAuditStore(w, cfg.Audit.BufferSize), nil
	}
}

// setupTelemetry installs the OpenTelemetry exporters when enabled. The
// returned function is never nil.
func setupTelemetry(ctx context.Context, cfg *config.Config, logger *slog.Logger) func() {
	if !cfg.Telemetry.Enabled {
		return func() {}
	}
	shutdown, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName:    "policyledger",
		Version:        Version,
		Writer:         os.Stderr,
		MetricInterval: config.Duration(cfg.Telemetry.MetricInterval, 30*time.Second),
	})
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
		return func() {}
	}
	return func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
}

// settle runs saga work queued by the last commands to completion.
func (a *app) settle(ctx context.Context) error {
	return a.sagas.Drain(ctx)
}

// commandContext tags ctx with the acting identity and a fresh
// correlation ID.
func commandContext(ctx context.Context) context.Context {
	ctx = ctxkey.WithActor(ctx, actor)
	return ctxkey.WithCorrelationID(ctx, uuid.New().String())
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	if a.audit != nil {
		a.audit.Stop()
	}
	if a.auditStore != nil {
		if err := a.auditStore.Close(); err != nil {
			a.logger.Warn("audit store close failed", "error", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

// teePublisher publishes to the local bus, then to the remote one.
type teePublisher struct {
	local  outbound.Publisher
	remote outbound.Publisher
}

func (t teePublisher) Publish(ctx context.Context, subject string, rec event.Record) error {
	if err := t.local.Publish(ctx, subject, rec); err != nil {
		return err
	}
	return t.remote.Publish(ctx, subject, rec)
}

// withApp loads config, wires the app and runs fn with a signal-aware
// context. Saga work is drained before returning.
func withApp(opts appOptions, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if f := config.ConfigFileUsed(); f != "" {
		logger.Debug("loaded config", "file", f)
	}

	ctx, stop := signalContext()
	defer stop()

	defer setupTelemetry(ctx, cfg, logger)()

	if opts.auditWriter == nil {
		opts.auditWriter = os.Stderr
	}
	a, err := newApp(ctx, cfg, logger, opts)
	if err != nil {
		return err
	}
	defer a.close()

	if err := fn(commandContext(ctx), a); err != nil {
		return err
	}
	if err := a.settle(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
