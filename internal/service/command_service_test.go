package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/Sentinel-Gate/policyledger/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/policyledger/internal/ctxkey"
	"github.com/Sentinel-Gate/policyledger/internal/domain/audit"
	"github.com/Sentinel-Gate/policyledger/internal/domain/command"
	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
	"github.com/Sentinel-Gate/policyledger/internal/domain/exemption"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policy"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policyset"
)

type bogusCommand struct{}

func (bogusCommand) CommandType() command.Type { return "bogus.do" }
func (bogusCommand) AggregateID() string       { return "x" }

func TestCommandService_CreateAndDuplicate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)

	res, err := h.commands.Handle(h.ctx, policy.CreatePolicy{
		PolicyID: "pol-1", Name: "keys", EnforcementLevel: policy.EnforcementHard, CreatedBy: "alice",
		Rules: []policy.Rule{denyRule("r1", "key.bits", 2048)},
	})
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if res.Seq != 2 || len(res.Events) != 2 || res.AggregateType != event.AggregatePolicy {
		t.Errorf("Handle() = %+v", res)
	}

	_, err = h.commands.Handle(h.ctx, policy.CreatePolicy{PolicyID: "pol-1", Name: "keys", EnforcementLevel: policy.EnforcementHard, CreatedBy: "alice"})
	if !errors.Is(err, command.ErrAlreadyExists) {
		t.Errorf("Handle(duplicate) error = %v, want ErrAlreadyExists", err)
	}
	if got := testutil.ToFloat64(h.metrics.CommandsTotal.WithLabelValues(string(policy.CmdCreate), audit.OutcomeRejected)); got != 1 {
		t.Errorf("rejected creates = %v, want 1", got)
	}
}

func TestCommandService_Routing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)
	h.activePolicy(t, "pol-1", policy.Global(), denyRule("r1", "x", 1))

	tests := []struct {
		name    string
		cmd     command.Command
		wantErr error
	}{
		{"unknown command", bogusCommand{}, ErrUnknownCommand},
		{"set with missing member", policyset.AddPolicyToSet{SetID: "set-1", PolicyID: "ghost", AddedBy: "a"}, command.ErrNotFound},
		{"exemption for missing policy", exemption.GrantExemption{
			ExemptionID: "ex-1", PolicyID: "ghost", Reason: "r", ApprovedBy: "a",
			ValidFrom: epoch, ValidUntil: epoch.Add(time.Hour),
		}, command.ErrNotFound},
		{"set create", policyset.CreatePolicySet{SetID: "set-1", Name: "s", CreatedBy: "a"}, nil},
		{"set add", policyset.AddPolicyToSet{SetID: "set-1", PolicyID: "pol-1", AddedBy: "a"}, nil},
		{"exemption grant", exemption.GrantExemption{
			ExemptionID: "ex-1", PolicyID: "pol-1", Reason: "r", ApprovedBy: "a",
			ValidFrom: epoch, ValidUntil: epoch.Add(time.Hour),
		}, nil},
	}
	// Subtests run in order: later rows depend on earlier ones.
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.commands.Handle(h.ctx, tt.cmd)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Handle() error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Handle() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	set, ok, _ := h.repos.Sets.Load(h.ctx, "set-1")
	if !ok || !set.State.Contains("pol-1") {
		t.Errorf("set members = %v", set.State.Members)
	}
}

func TestCommandService_RefusesForeignStreams(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)
	h.activePolicy(t, "pol-1", policy.Global(), denyRule("r1", "x", 1))
	h.must(t, policyset.CreatePolicySet{SetID: "set-1", Name: "s", CreatedBy: "a"})

	before, err := h.log.ReadFrom(h.ctx, "pol-1", 1, 0)
	if err != nil {
		t.Fatalf("ReadFrom() error: %v", err)
	}

	tests := []struct {
		name string
		cmd  command.Command
	}{
		{"set as set member", policyset.AddPolicyToSet{SetID: "set-1", PolicyID: "set-1", AddedBy: "a"}},
		{"exemption against a set", grant("ex-1", "set-1", epoch, epoch.Add(time.Hour))},
		{"exemption id taken by a policy", grant("pol-1", "pol-1", epoch, epoch.Add(time.Hour))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.commands.Handle(h.ctx, tt.cmd)
			if !errors.Is(err, event.ErrAggregateMismatch) {
				t.Fatalf("Handle() error = %v, want ErrAggregateMismatch", err)
			}
		})
	}

	after, err := h.log.ReadFrom(h.ctx, "pol-1", 1, 0)
	if err != nil {
		t.Fatalf("ReadFrom() error: %v", err)
	}
	if len(after) != len(before) {
		t.Errorf("pol-1 stream grew from %d to %d events", len(before), len(after))
	}
	set, _, err := h.repos.Sets.Load(h.ctx, "set-1")
	if err != nil {
		t.Fatalf("Load(set-1) error: %v", err)
	}
	if set.State.Contains("set-1") {
		t.Error("set-1 lists itself as a member")
	}
	if _, found, err := h.repos.Policies.Load(h.ctx, "set-1"); found || !errors.Is(err, event.ErrAggregateMismatch) {
		t.Errorf("Policies.Load(set-1) = found %v, err %v", found, err)
	}
}

// racingLog appends a competing event before the first append it sees.
type racingLog struct {
	*memory.EventStore
	registry *event.Registry
	mu       sync.Mutex
	races    int
}

func (l *racingLog) Append(ctx context.Context, id string, expected uint64, recs []event.Record) (uint64, error) {
	l.mu.Lock()
	if l.races > 0 {
		l.races--
		other := event.New(id, expected+1, epoch, policy.RuleAdded{Rule: denyRule(fmt.Sprintf("other-%d", expected), "y", 1)})
		rec, err := l.registry.Encode(other)
		if err != nil {
			l.mu.Unlock()
			return 0, err
		}
		if _, err := l.EventStore.Append(ctx, id, expected, []event.Record{rec}); err != nil {
			l.mu.Unlock()
			return 0, err
		}
	}
	l.mu.Unlock()
	return l.EventStore.Append(ctx, id, expected, recs)
}

func TestCommandService_RetriesConcurrencyConflict(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)
	h.must(t, policy.CreatePolicy{PolicyID: "pol-1", Name: "n", EnforcementLevel: policy.EnforcementSoft, CreatedBy: "a"})

	log := &racingLog{EventStore: h.log, registry: h.registry, races: 1}
	repos := NewRepositories(log, h.registry, testLogger())
	svc := NewCommandService(repos, testLogger(), WithCommandMetrics(h.metrics))

	res, err := svc.Handle(h.ctx, policy.AddRule{PolicyID: "pol-1", Rule: denyRule("mine", "x", 1)})
	if err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	if res.Seq != 3 {
		t.Errorf("Seq = %d, want 3", res.Seq)
	}
	if got := testutil.ToFloat64(h.metrics.ConcurrencyRetries); got != 1 {
		t.Errorf("retries = %v, want 1", got)
	}

	// The budget runs out when every attempt races.
	log.races = 10
	svc = NewCommandService(repos, testLogger(), WithMaxRetries(2))
	_, err = svc.Handle(h.ctx, policy.AddRule{PolicyID: "pol-1", Rule: denyRule("late", "x", 1)})
	if !errors.Is(err, event.ErrConcurrencyConflict) {
		t.Errorf("Handle() error = %v, want ErrConcurrencyConflict", err)
	}
}

func TestCommandService_SerialisesPerAggregate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 5)
	h.must(t, policy.CreatePolicy{PolicyID: "pol-1", Name: "n", EnforcementLevel: policy.EnforcementSoft, CreatedBy: "a"})

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.commands.Handle(h.ctx, policy.AddRule{PolicyID: "pol-1", Rule: denyRule(fmt.Sprintf("r%02d", i), "x", 1)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Handle() error: %v", err)
		}
	}

	v, _, err := h.repos.Policies.Load(h.ctx, "pol-1")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if v.Seq != writers+1 || len(v.State.Rules) != writers {
		t.Errorf("seq %d rules %d, want %d and %d", v.Seq, len(v.State.Rules), writers+1, writers)
	}
	if got := testutil.ToFloat64(h.metrics.ConcurrencyRetries); got != 0 {
		t.Errorf("retries = %v, want 0 under the keyed lock", got)
	}
	if h.commands.locks.Len() != 0 {
		t.Errorf("keyed locks leaked: %d", h.commands.locks.Len())
	}
}

func TestCommandService_AuditsCommands(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, 100)
	store := memory.NewAuditStore(nil, 0)
	auditSvc := NewAuditService(store, testLogger(), WithFlushInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	auditSvc.Start(ctx)

	svc := NewCommandService(h.repos, testLogger(), WithCommandAudit(auditSvc), WithCommandClock(h.clock.Now))
	cctx := ctxkey.WithActor(ctxkey.WithCorrelationID(ctx, "req-9"), "alice")
	if _, err := svc.Handle(cctx, policy.CreatePolicy{PolicyID: "pol-1", Name: "n", EnforcementLevel: policy.EnforcementSoft, CreatedBy: "alice"}); err != nil {
		t.Fatalf("Handle() error: %v", err)
	}
	_, _ = svc.Handle(cctx, policy.ActivatePolicy{PolicyID: "pol-1", ActivatedBy: "alice"})
	auditSvc.Stop()

	recs := store.Recent(10)
	if len(recs) != 2 {
		t.Fatalf("audit records = %d, want 2", len(recs))
	}
	byOutcome := map[string]audit.Record{}
	for _, r := range recs {
		byOutcome[r.Outcome] = r
	}
	ok := byOutcome[audit.OutcomeAccepted]
	if ok.RequestID != "req-9" || ok.ActorID != "alice" || ok.ActorType != audit.ActorTypeUser || ok.Kind != audit.KindCommand {
		t.Errorf("accepted record = %+v", ok)
	}
	if rej := byOutcome[audit.OutcomeRejected]; rej.Reason == "" || rej.Command != string(policy.CmdActivate) {
		t.Errorf("rejected record = %+v", rej)
	}
}

func TestKeyedMutex(t *testing.T) {
	t.Parallel()
	m := newKeyedMutex()

	unlockA := m.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := m.Lock("a")
		unlock()
		close(done)
	}()
	// A different key is not blocked.
	m.Lock("b")()

	select {
	case <-done:
		t.Fatal("second Lock(a) should block")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	<-done
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}
}
