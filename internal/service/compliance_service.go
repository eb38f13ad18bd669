package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sentinel-Gate/policyledger/internal/ctxkey"
	"github.com/Sentinel-Gate/policyledger/internal/domain/audit"
	"github.com/Sentinel-Gate/policyledger/internal/domain/command"
	"github.com/Sentinel-Gate/policyledger/internal/domain/compliance"
	"github.com/Sentinel-Gate/policyledger/internal/domain/conflict"
	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policy"
	"github.com/Sentinel-Gate/policyledger/internal/domain/rule"
	"github.com/Sentinel-Gate/policyledger/internal/domain/saga"
	"github.com/Sentinel-Gate/policyledger/internal/metrics"
)

// Signaler delivers external signals to saga instances.
type Signaler interface {
	Signal(ctx context.Context, sagaName, aggregateID string, sig saga.Signal) error
}

// ComplianceService evaluates current policies and sets against contexts.
// Results are never cached: exemption and effective windows depend on time.
type ComplianceService struct {
	commands   *CommandService
	exemptions *ExemptionIndex
	evaluator  *rule.Evaluator
	conflicts  *ConflictService
	audit      *AuditService
	signaler   Signaler
	metrics    *metrics.Metrics
	now        func() time.Time
	logger     *slog.Logger
	tracer     trace.Tracer
}

// ComplianceOption configures ComplianceService.
type ComplianceOption func(*ComplianceService)

// WithComplianceAudit records every evaluation.
func WithComplianceAudit(a *AuditService) ComplianceOption {
	return func(s *ComplianceService) { s.audit = a }
}

// WithSignaler reports policy evaluation outcomes to the audit saga.
func WithSignaler(sg Signaler) ComplianceOption {
	return func(s *ComplianceService) { s.signaler = sg }
}

// WithComplianceMetrics counts evaluations by outcome.
func WithComplianceMetrics(m *metrics.Metrics) ComplianceOption {
	return func(s *ComplianceService) { s.metrics = m }
}

// WithConflicts shares the conflict detection cache with set evaluation.
func WithConflicts(c *ConflictService) ComplianceOption {
	return func(s *ComplianceService) { s.conflicts = c }
}

// WithComplianceClock sets the evaluation clock.
func WithComplianceClock(now func() time.Time) ComplianceOption {
	return func(s *ComplianceService) { s.now = now }
}

// NewComplianceService creates a ComplianceService.
func NewComplianceService(commands *CommandService, exemptions *ExemptionIndex, evaluator *rule.Evaluator, logger *slog.Logger, opts ...ComplianceOption) *ComplianceService {
	s := &ComplianceService{
		commands:   commands,
		exemptions: exemptions,
		evaluator:  evaluator,
		now:        time.Now,
		logger:     logger,
		tracer:     otel.Tracer("policyledger/service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EvaluatePolicy evaluates the current state of policyID.
func (s *ComplianceService) EvaluatePolicy(ctx context.Context, policyID string, evalCtx rule.Context) (compliance.Result, error) {
	ctx, span := s.tracer.Start(ctx, "compliance.EvaluatePolicy", trace.WithAttributes(attribute.String("policy.id", policyID)))
	defer span.End()
	start := time.Now()

	res, err := s.evaluatePolicy(ctx, policyID, evalCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.count("error")
		return compliance.Result{}, err
	}
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	s.count(string(res.Outcome))
	s.record(ctx, policyID, event.AggregatePolicy, res.PolicyVersion, string(res.Outcome), res.Violations, res.ExemptionID, evalCtx, time.Since(start))
	s.signal(ctx, res)
	return res, nil
}

func (s *ComplianceService) evaluatePolicy(ctx context.Context, policyID string, evalCtx rule.Context) (compliance.Result, error) {
	cur, ok, err := s.commands.Policies().Load(ctx, policyID)
	if err != nil {
		return compliance.Result{}, err
	}
	if !ok {
		return compliance.Result{}, fmt.Errorf("policy %s: %w", policyID, command.ErrNotFound)
	}
	exemptions, err := s.exemptions.ForPolicies(ctx, policyID)
	if err != nil {
		return compliance.Result{}, err
	}
	return compliance.EvaluatePolicy(s.evaluator, cur.State, evalCtx, exemptions, s.now())
}

// EvaluateSet evaluates every member of setID and combines the results.
// Conflicts between members are resolved with the set's strategy first; an
// unresolved conflict fails the evaluation before any member is evaluated.
func (s *ComplianceService) EvaluateSet(ctx context.Context, setID string, evalCtx rule.Context, decisions conflict.Decisions) (compliance.SetResult, error) {
	ctx, span := s.tracer.Start(ctx, "compliance.EvaluateSet", trace.WithAttributes(attribute.String("set.id", setID)))
	defer span.End()
	start := time.Now()

	res, seq, err := s.evaluateSet(ctx, setID, evalCtx, decisions)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.count("error")
		return compliance.SetResult{}, err
	}

	outcome := string(compliance.Compliant)
	if !res.Passed {
		outcome = string(compliance.NonCompliant)
	}
	span.SetAttributes(attribute.String("outcome", outcome), attribute.Int("conflicts", len(res.Resolutions)))
	s.count(outcome)
	s.record(ctx, setID, event.AggregatePolicySet, seq, outcome, res.Violations(), "", evalCtx, time.Since(start))
	return res, nil
}

func (s *ComplianceService) evaluateSet(ctx context.Context, setID string, evalCtx rule.Context, decisions conflict.Decisions) (compliance.SetResult, uint64, error) {
	set, ok, err := s.commands.Sets().Load(ctx, setID)
	if err != nil {
		return compliance.SetResult{}, 0, err
	}
	if !ok {
		return compliance.SetResult{}, 0, fmt.Errorf("policy set %s: %w", setID, command.ErrNotFound)
	}
	policies, err := loadMembers(ctx, s.commands.Policies(), set.State.Members)
	if err != nil {
		return compliance.SetResult{}, 0, err
	}

	var conflicts []conflict.Conflict
	if s.conflicts != nil {
		conflicts = s.conflicts.detect(set.State, set.Seq, policies)
	} else {
		conflicts = conflict.Detect(set.State, policies)
	}
	resolutions, err := conflict.ResolveAll(set.State, conflicts, decisions)
	if err != nil {
		return compliance.SetResult{}, 0, fmt.Errorf("policy set %s: %w", setID, err)
	}

	exemptions, err := s.exemptions.ForPolicies(ctx, set.State.Members...)
	if err != nil {
		return compliance.SetResult{}, 0, err
	}
	res, err := compliance.EvaluateSet(s.evaluator, set.State, policies, evalCtx, exemptions, s.now())
	if err != nil {
		return compliance.SetResult{}, 0, err
	}
	res.Resolutions = resolutions
	return res, set.Seq, nil
}

// loadMembers resolves weak member references. Missing members are skipped.
func loadMembers(ctx context.Context, repo *Repository[policy.Policy], ids []string) (map[string]policy.Policy, error) {
	out := make(map[string]policy.Policy, len(ids))
	for _, id := range ids {
		cur, ok, err := repo.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = cur.State
		}
	}
	return out, nil
}

func (s *ComplianceService) count(outcome string) {
	if s.metrics != nil {
		s.metrics.Evaluations.WithLabelValues(outcome).Inc()
	}
}

func (s *ComplianceService) record(ctx context.Context, targetID string, targetType event.AggregateType, version uint64, outcome string, violations []compliance.Violation, exemptionID string, evalCtx rule.Context, elapsed time.Duration) {
	if s.audit == nil {
		return
	}
	var (
		ruleIDs []string
		top     policy.Severity
	)
	for _, v := range violations {
		ruleIDs = append(ruleIDs, v.RuleID)
		if v.Severity.Rank() > top.Rank() {
			top = v.Severity
		}
	}
	actor := ctxkey.Actor(ctx)
	s.audit.Record(audit.Record{
		Timestamp:     s.now().UTC(),
		Kind:          audit.KindEvaluation,
		RequestID:     ctxkey.CorrelationID(ctx),
		TargetID:      targetID,
		TargetType:    string(targetType),
		TargetVersion: version,
		Outcome:       outcome,
		RuleIDs:       ruleIDs,
		MaxSeverity:   string(top),
		ExemptionID:   exemptionID,
		ContextHash:   evalCtx.Hash(),
		Context:       audit.RedactContext(evalCtx),
		ActorID:       actor,
		ActorType:     audit.ActorTypeOf(actor),
		LatencyMicros: elapsed.Microseconds(),
	})
}

// signal feeds the audit saga. Instances not waiting for an audit ignore it.
func (s *ComplianceService) signal(ctx context.Context, res compliance.Result) {
	if s.signaler == nil {
		return
	}
	sig := saga.Signal{Trigger: saga.TriggerAuditPassed, At: s.now()}
	if !res.Passed() {
		sig.Trigger = saga.TriggerAuditFailed
		sig.Attrs = map[string]string{"severity": string(res.MaxSeverity())}
	}
	if err := s.signaler.Signal(ctx, saga.AuditSagaName, res.PolicyID, sig); err != nil {
		s.logger.Warn("audit signal failed", "policy_id", res.PolicyID, "error", err)
	}
}
