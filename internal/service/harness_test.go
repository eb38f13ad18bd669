package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Sentinel-Gate/policyledger/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/policyledger/internal/domain/command"
	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policy"
	"github.com/Sentinel-Gate/policyledger/internal/domain/rule"
	"github.com/Sentinel-Gate/policyledger/internal/metrics"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: epoch} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness wires the core over the in-memory adapters.
type harness struct {
	ctx      context.Context
	clock    *testClock
	log      *memory.EventStore
	snaps    *memory.SnapshotStore
	bus      *memory.Bus
	registry *event.Registry
	metrics  *metrics.Metrics
	repos    Repositories
	commands *CommandService
}

func newHarness(t *testing.T, snapshotInterval int) *harness {
	t.Helper()
	reg, err := NewEventRegistry()
	if err != nil {
		t.Fatalf("NewEventRegistry() error: %v", err)
	}
	h := &harness{
		ctx:      context.Background(),
		clock:    newTestClock(),
		log:      memory.NewEventStore(),
		snaps:    memory.NewSnapshotStore(),
		bus:      memory.NewBus(testLogger()),
		registry: reg,
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	h.repos = NewRepositories(h.log, reg, testLogger(),
		WithSnapshots(h.snaps, snapshotInterval),
		WithPublisher(h.bus, event.DefaultNamespace),
		WithRepositoryMetrics(h.metrics),
		WithRepositoryClock(h.clock.Now),
	)
	h.commands = NewCommandService(h.repos, testLogger(),
		WithCommandClock(h.clock.Now),
		WithCommandMetrics(h.metrics),
	)
	return h
}

func (h *harness) must(t *testing.T, cmds ...command.Command) {
	t.Helper()
	for _, cmd := range cmds {
		if _, err := h.commands.Handle(h.ctx, cmd); err != nil {
			t.Fatalf("Handle(%s) error: %v", cmd.CommandType(), err)
		}
	}
}

func denyRule(id, field string, below int64) policy.Rule {
	return policy.Rule{
		ID:        id,
		Name:      id,
		Effect:    policy.EffectDeny,
		Severity:  policy.SeverityHigh,
		Condition: rule.Lt(field, rule.Int(below)),
	}
}

func allowRule(id, field string, v string) policy.Rule {
	return policy.Rule{
		ID:        id,
		Name:      id,
		Effect:    policy.EffectAllow,
		Severity:  policy.SeverityMedium,
		Condition: rule.Eq(field, rule.String(v)),
	}
}

// activePolicy creates, approves and activates a policy with rules.
func (h *harness) activePolicy(t *testing.T, id string, target policy.Target, rules ...policy.Rule) {
	t.Helper()
	h.must(t,
		policy.CreatePolicy{PolicyID: id, Name: id, Target: target, EnforcementLevel: policy.EnforcementHard, Rules: rules, CreatedBy: "alice"},
		policy.ApprovePolicy{PolicyID: id, ApprovedBy: "bob"},
		policy.ActivatePolicy{PolicyID: id, ActivatedBy: "bob"},
	)
}
