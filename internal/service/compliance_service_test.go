package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Sentinel-Gate/policyledger/internal/domain/command"
	"github.com/Sentinel-Gate/policyledger/internal/domain/compliance"
	"github.com/Sentinel-Gate/policyledger/internal/domain/conflict"
	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
	"github.com/Sentinel-Gate/policyledger/internal/domain/exemption"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policy"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policyset"
	"github.com/Sentinel-Gate/policyledger/internal/domain/rule"
	"github.com/Sentinel-Gate/policyledger/internal/domain/saga"
)

type recordedSignal struct {
	saga, id string
	sig      saga.Signal
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []recordedSignal
}

func (f *fakeSignaler) Signal(_ context.Context, name, id string, sig saga.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedSignal{name, id, sig})
	return nil
}

func newIndex(t *testing.T, h *harness) *ExemptionIndex {
	t.Helper()
	idx := NewExemptionIndex(h.repos.Exemptions, h.registry, testLogger())
	if _, err := idx.Follow(h.ctx, h.bus, event.DefaultNamespace); err != nil {
		t.Fatalf("Follow() error: %v", err)
	}
	return idx
}

func grant(id, policyID string, from, until time.Time, ruleIDs ...string) exemption.GrantExemption {
	return exemption.GrantExemption{
		ExemptionID: id, PolicyID: policyID, Reason: "migration", ApprovedBy: "ciso",
		RuleIDs: ruleIDs, ValidFrom: from, ValidUntil: until,
	}
}

func TestExemptionIndex_FollowAndRebuild(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)
	idx := newIndex(t, h)

	h.activePolicy(t, "pol-1", policy.Global(), denyRule("r1", "x", 1))
	h.activePolicy(t, "pol-2", policy.Global(), denyRule("r1", "x", 1))
	h.must(t,
		grant("ex-b", "pol-1", epoch, epoch.Add(time.Hour)),
		grant("ex-a", "pol-1", epoch, epoch.Add(time.Hour)),
		grant("ex-c", "pol-2", epoch, epoch.Add(time.Hour)),
	)

	if got := idx.IDs("pol-1"); len(got) != 2 || got[0] != "ex-a" || got[1] != "ex-b" {
		t.Errorf("IDs(pol-1) = %v, want [ex-a ex-b]", got)
	}

	rebuilt := NewExemptionIndex(h.repos.Exemptions, h.registry, testLogger())
	if err := rebuilt.Rebuild(h.ctx, h.log); err != nil {
		t.Fatalf("Rebuild() error: %v", err)
	}
	all, err := rebuilt.All(h.ctx)
	if err != nil {
		t.Fatalf("All() error: %v", err)
	}
	if len(all) != 3 || all[0].ID != "ex-a" || all[2].ID != "ex-c" {
		t.Errorf("All() = %d exemptions", len(all))
	}
	// A second rebuild resumes from the last position.
	if err := rebuilt.Rebuild(h.ctx, h.log); err != nil {
		t.Fatalf("Rebuild() error: %v", err)
	}
	if got := rebuilt.IDs("pol-1"); len(got) != 2 {
		t.Errorf("IDs after second rebuild = %v", got)
	}
}

func TestComplianceService_EvaluatePolicy(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)
	idx := newIndex(t, h)
	signals := &fakeSignaler{}
	svc := NewComplianceService(h.commands, idx, rule.NewEvaluator(rule.NewRegistry()), testLogger(),
		WithComplianceClock(h.clock.Now),
		WithComplianceMetrics(h.metrics),
		WithSignaler(signals),
	)

	h.activePolicy(t, "pol-1", policy.Global(), denyRule("weak-key", "key.bits", 2048))
	weak := rule.NewContext(map[string]rule.Value{"key.bits": rule.Int(1024)})
	strong := rule.NewContext(map[string]rule.Value{"key.bits": rule.Int(4096)})

	res, err := svc.EvaluatePolicy(h.ctx, "pol-1", strong)
	if err != nil || res.Outcome != compliance.Compliant {
		t.Fatalf("EvaluatePolicy(strong) = %v, %v", res.Outcome, err)
	}
	res, err = svc.EvaluatePolicy(h.ctx, "pol-1", weak)
	if err != nil || res.Outcome != compliance.NonCompliant {
		t.Fatalf("EvaluatePolicy(weak) = %v, %v", res.Outcome, err)
	}
	if len(res.Violations) != 1 || res.Violations[0].RuleID != "weak-key" {
		t.Errorf("Violations = %+v", res.Violations)
	}

	h.must(t, grant("ex-1", "pol-1", epoch.Add(-time.Minute), epoch.Add(time.Hour), "weak-key"))
	res, err = svc.EvaluatePolicy(h.ctx, "pol-1", weak)
	if err != nil || res.Outcome != compliance.CompliantWithExemption || res.ExemptionID != "ex-1" {
		t.Fatalf("EvaluatePolicy(exempted) = %+v, %v", res, err)
	}

	// Past the window the exemption no longer applies, expired or not.
	h.clock.Advance(2 * time.Hour)
	res, err = svc.EvaluatePolicy(h.ctx, "pol-1", weak)
	if err != nil || res.Outcome != compliance.NonCompliant {
		t.Fatalf("EvaluatePolicy(after window) = %v, %v", res.Outcome, err)
	}

	if _, err := svc.EvaluatePolicy(h.ctx, "ghost", weak); !errors.Is(err, command.ErrNotFound) {
		t.Errorf("EvaluatePolicy(ghost) error = %v", err)
	}
	if _, err := svc.EvaluatePolicy(h.ctx, "pol-1", rule.NewContext(nil)); !errors.Is(err, rule.ErrMissingField) {
		t.Errorf("EvaluatePolicy(empty context) error = %v, want ErrMissingField", err)
	}

	if got := testutil.ToFloat64(h.metrics.Evaluations.WithLabelValues(string(compliance.NonCompliant))); got != 2 {
		t.Errorf("non_compliant evaluations = %v, want 2", got)
	}
	if got := testutil.ToFloat64(h.metrics.Evaluations.WithLabelValues("error")); got != 2 {
		t.Errorf("error evaluations = %v, want 2", got)
	}

	signals.mu.Lock()
	defer signals.mu.Unlock()
	if len(signals.sent) != 4 {
		t.Fatalf("signals = %d, want 4", len(signals.sent))
	}
	if s := signals.sent[1]; s.saga != saga.AuditSagaName || s.sig.Trigger != saga.TriggerAuditFailed || s.sig.Attrs["severity"] != string(policy.SeverityHigh) {
		t.Errorf("failed signal = %+v", s)
	}
	if s := signals.sent[2]; s.sig.Trigger != saga.TriggerAuditPassed {
		t.Errorf("exempted evaluation should count as passed, got %s", s.sig.Trigger)
	}
}

func TestComplianceService_EvaluateSet(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)
	svc := NewComplianceService(h.commands, newIndex(t, h), rule.NewEvaluator(rule.NewRegistry()), testLogger(),
		WithComplianceClock(h.clock.Now))

	h.activePolicy(t, "pol-keys", policy.Global(), denyRule("weak-key", "key.bits", 2048))
	h.activePolicy(t, "pol-tls", policy.Global(), allowRule("tls13", "tls.version", "1.3"))
	h.must(t,
		policy.CreatePolicy{PolicyID: "pol-draft", Name: "d", EnforcementLevel: policy.EnforcementSoft, CreatedBy: "a"},
		policyset.CreatePolicySet{SetID: "set-1", Name: "crypto", Composition: policyset.CompositionMajority, CreatedBy: "a"},
		policyset.AddPolicyToSet{SetID: "set-1", PolicyID: "pol-keys", AddedBy: "a"},
		policyset.AddPolicyToSet{SetID: "set-1", PolicyID: "pol-tls", AddedBy: "a"},
		policyset.AddPolicyToSet{SetID: "set-1", PolicyID: "pol-draft", AddedBy: "a"},
	)

	ctx := rule.NewContext(map[string]rule.Value{"key.bits": rule.Int(4096), "tls.version": rule.String("1.2")})
	res, err := svc.EvaluateSet(h.ctx, "set-1", ctx, nil)
	if err != nil {
		t.Fatalf("EvaluateSet() error: %v", err)
	}
	if len(res.Results) != 2 || len(res.Skipped) != 1 || res.Skipped[0] != "pol-draft" {
		t.Errorf("results %d skipped %v", len(res.Results), res.Skipped)
	}
	// One of two evaluated members passes: not a majority.
	if res.Passed {
		t.Error("set should fail under majority with 1 of 2 passing")
	}
	if v := res.Violations(); len(v) != 1 || v[0].RuleID != "tls13" {
		t.Errorf("Violations() = %+v", v)
	}
}

func TestComplianceService_EvaluateSetResolvesConflicts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)
	conflicts := NewConflictService(h.commands, 8, h.metrics, testLogger())
	svc := NewComplianceService(h.commands, newIndex(t, h), rule.NewEvaluator(rule.NewRegistry()), testLogger(),
		WithComplianceClock(h.clock.Now), WithComplianceMetrics(h.metrics), WithConflicts(conflicts))

	lowX := rule.Lt("x", rule.Int(5))
	h.activePolicy(t, "p1", policy.Global(), policy.Rule{ID: "deny-low", Effect: policy.EffectDeny, Severity: policy.SeverityHigh, Condition: lowX})
	h.activePolicy(t, "p2", policy.Global(), policy.Rule{ID: "allow-low", Effect: policy.EffectAllow, Severity: policy.SeverityLow, Condition: lowX})
	h.must(t,
		policyset.CreatePolicySet{SetID: "set-x", Name: "x", Strategy: policyset.StrategyExplicit, CreatedBy: "a"},
		policyset.AddPolicyToSet{SetID: "set-x", PolicyID: "p1", AddedBy: "a"},
		policyset.AddPolicyToSet{SetID: "set-x", PolicyID: "p2", AddedBy: "a"},
	)
	ctx := rule.NewContext(map[string]rule.Value{"x": rule.Int(10)})

	_, err := svc.EvaluateSet(h.ctx, "set-x", ctx, nil)
	if !errors.Is(err, conflict.ErrConflictUnresolved) {
		t.Fatalf("EvaluateSet() error = %v, want ErrConflictUnresolved", err)
	}
	if got := testutil.ToFloat64(h.metrics.Evaluations.WithLabelValues("error")); got != 1 {
		t.Errorf("error evaluations = %v, want 1", got)
	}

	report, err := conflicts.Analyze(h.ctx, "set-x", nil)
	if len(report.Conflicts) != 1 || !errors.Is(err, conflict.ErrConflictUnresolved) {
		t.Fatalf("Analyze() = %+v, %v", report, err)
	}
	// Both calls above share one detection.
	if got := testutil.ToFloat64(h.metrics.ConflictCacheHits); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}

	decisions := conflict.Decisions{report.Conflicts[0].ID: "p1"}
	res, err := svc.EvaluateSet(h.ctx, "set-x", ctx, decisions)
	if err != nil {
		t.Fatalf("EvaluateSet(decided) error: %v", err)
	}
	if len(res.Resolutions) != 1 || res.Resolutions[0].Winner.PolicyID != "p1" {
		t.Errorf("resolutions = %+v", res.Resolutions)
	}
	if len(res.Results) != 2 {
		t.Errorf("results = %d, want 2", len(res.Results))
	}
}
