package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sentinel-Gate/policyledger/internal/ctxkey"
	"github.com/Sentinel-Gate/policyledger/internal/domain/audit"
	"github.com/Sentinel-Gate/policyledger/internal/domain/command"
	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
	"github.com/Sentinel-Gate/policyledger/internal/domain/exemption"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policy"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policyset"
	"github.com/Sentinel-Gate/policyledger/internal/metrics"
)

// DefaultMaxRetries is the number of times a command is retried after an
// optimistic concurrency conflict.
const DefaultMaxRetries = 3

// ErrUnknownCommand is returned for commands no aggregate handles.
var ErrUnknownCommand = errors.New("unknown command")

// Repositories groups the per-aggregate repositories.
type Repositories struct {
	Policies   *Repository[policy.Policy]
	Sets       *Repository[policyset.PolicySet]
	Exemptions *Repository[exemption.Exemption]
}

// CommandResult describes the events a command produced.
type CommandResult struct {
	AggregateID   string
	AggregateType event.AggregateType
	// Seq is the aggregate sequence after the command.
	Seq    uint64
	Events []event.Event
}

// CommandService validates commands, decides them against current state and
// appends the resulting events. Commands on one aggregate are serialised;
// different aggregates proceed in parallel.
type CommandService struct {
	repos      Repositories
	locks      *keyedMutex
	maxRetries int
	now        func() time.Time
	audit      *AuditService
	metrics    *metrics.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer
}

// CommandOption configures CommandService.
type CommandOption func(*CommandService)

// WithMaxRetries sets the conflict retry budget.
func WithMaxRetries(n int) CommandOption {
	return func(s *CommandService) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithCommandClock sets the clock passed to deciders.
func WithCommandClock(now func() time.Time) CommandOption {
	return func(s *CommandService) {
		s.now = now
	}
}

// WithCommandAudit records every handled command.
func WithCommandAudit(a *AuditService) CommandOption {
	return func(s *CommandService) {
		s.audit = a
	}
}

// WithCommandMetrics records command counters and durations.
func WithCommandMetrics(m *metrics.Metrics) CommandOption {
	return func(s *CommandService) {
		s.metrics = m
	}
}

// NewCommandService creates a CommandService over repos.
func NewCommandService(repos Repositories, logger *slog.Logger, opts ...CommandOption) *CommandService {
	s := &CommandService{
		repos:      repos,
		locks:      newKeyedMutex(),
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
		logger:     logger,
		tracer:     otel.Tracer("policyledger/service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle executes cmd. Validation and decision errors are returned as is;
// an *event.ConflictError is returned only once the retry budget is spent.
func (s *CommandService) Handle(ctx context.Context, cmd command.Command) (CommandResult, error) {
	if cmd == nil {
		return CommandResult{}, errors.New("command is required")
	}
	if ctxkey.CorrelationID(ctx) == "" {
		ctx = ctxkey.WithCorrelationID(ctx, event.NewID())
	}
	ctx, span := s.tracer.Start(ctx, "command.Handle", trace.WithAttributes(
		attribute.String("command", string(cmd.CommandType())),
		attribute.String("aggregate.id", cmd.AggregateID()),
	))
	defer span.End()
	start := time.Now()

	unlock := s.locks.Lock(cmd.AggregateID())
	defer unlock()

	var (
		res CommandResult
		err error
	)
	for attempt := 0; ; attempt++ {
		res, err = s.handleOnce(ctx, cmd)
		if err == nil || !errors.Is(err, event.ErrConcurrencyConflict) || attempt >= s.maxRetries {
			break
		}
		if s.metrics != nil {
			s.metrics.ConcurrencyRetries.Inc()
		}
		s.logger.Debug("retrying command after conflict", "command", cmd.CommandType(), "id", cmd.AggregateID(), "attempt", attempt+1)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.record(ctx, cmd, res, err, time.Since(start))
	return res, err
}

func (s *CommandService) handleOnce(ctx context.Context, cmd command.Command) (CommandResult, error) {
	id := cmd.AggregateID()
	now := s.now()
	typ := string(cmd.CommandType())

	switch {
	case strings.HasPrefix(typ, "policy."):
		return execute(ctx, s.repos.Policies, id, func(p policy.Policy) ([]event.Payload, error) {
			return policy.Decide(p, cmd, now)
		})
	case strings.HasPrefix(typ, "policyset."):
		if add, ok := cmd.(policyset.AddPolicyToSet); ok {
			if err := s.requirePolicy(ctx, add.PolicyID); err != nil {
				return CommandResult{}, err
			}
		}
		return execute(ctx, s.repos.Sets, id, func(ps policyset.PolicySet) ([]event.Payload, error) {
			return policyset.Decide(ps, cmd, now)
		})
	case strings.HasPrefix(typ, "exemption."):
		if grant, ok := cmd.(exemption.GrantExemption); ok {
			if err := s.requirePolicy(ctx, grant.PolicyID); err != nil {
				return CommandResult{}, err
			}
		}
		return execute(ctx, s.repos.Exemptions, id, func(x exemption.Exemption) ([]event.Payload, error) {
			return exemption.Decide(x, cmd, now)
		})
	}
	return CommandResult{}, fmt.Errorf("%w: %s", ErrUnknownCommand, typ)
}

// requirePolicy resolves a weak reference to a policy.
func (s *CommandService) requirePolicy(ctx context.Context, id string) error {
	if id == "" {
		return nil // reported by validation
	}
	_, ok, err := s.repos.Policies.Load(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("policy %s: %w", id, command.ErrNotFound)
	}
	return nil
}

func execute[S any](ctx context.Context, repo *Repository[S], id string, decide func(S) ([]event.Payload, error)) (CommandResult, error) {
	cur, _, err := repo.Load(ctx, id)
	if err != nil {
		return CommandResult{}, err
	}
	payloads, err := decide(cur.State)
	if err != nil {
		return CommandResult{}, err
	}
	events, err := repo.Save(ctx, id, cur.Seq, payloads...)
	if err != nil {
		return CommandResult{}, err
	}
	return CommandResult{
		AggregateID:   id,
		AggregateType: repo.agg.Type,
		Seq:           cur.Seq + uint64(len(events)),
		Events:        events,
	}, nil
}

func (s *CommandService) record(ctx context.Context, cmd command.Command, res CommandResult, err error, elapsed time.Duration) {
	outcome := audit.OutcomeAccepted
	reason := ""
	if err != nil {
		outcome = audit.OutcomeRejected
		reason = err.Error()
	}
	if s.metrics != nil {
		s.metrics.CommandsTotal.WithLabelValues(string(cmd.CommandType()), outcome).Inc()
		s.metrics.CommandDuration.WithLabelValues(string(cmd.CommandType())).Observe(elapsed.Seconds())
	}

	actor := ctxkey.Actor(ctx)
	if err != nil {
		s.logger.Info("command rejected", "command", cmd.CommandType(), "id", cmd.AggregateID(), "actor", actor, "error", err)
	} else {
		s.logger.Debug("command accepted", "command", cmd.CommandType(), "id", cmd.AggregateID(), "seq", res.Seq, "events", len(res.Events))
	}

	if s.audit == nil {
		return
	}
	s.audit.Record(audit.Record{
		Timestamp:     s.now().UTC(),
		Kind:          audit.KindCommand,
		RequestID:     ctxkey.CorrelationID(ctx),
		TargetID:      cmd.AggregateID(),
		TargetType:    targetType(cmd),
		TargetVersion: res.Seq,
		Outcome:       outcome,
		Reason:        reason,
		Command:       string(cmd.CommandType()),
		ActorID:       actor,
		ActorType:     audit.ActorTypeOf(actor),
		Events:        len(res.Events),
		LatencyMicros: elapsed.Microseconds(),
	})
}

func targetType(cmd command.Command) string {
	typ, _, _ := strings.Cut(string(cmd.CommandType()), ".")
	switch typ {
	case "policyset":
		return string(event.AggregatePolicySet)
	case "exemption":
		return string(event.AggregateExemption)
	}
	return string(event.AggregatePolicy)
}

// Policies returns the policy repository.
func (s *CommandService) Policies() *Repository[policy.Policy] { return s.repos.Policies }

// Sets returns the policy set repository.
func (s *CommandService) Sets() *Repository[policyset.PolicySet] { return s.repos.Sets }

// Exemptions returns the exemption repository.
func (s *CommandService) Exemptions() *Repository[exemption.Exemption] { return s.repos.Exemptions }
