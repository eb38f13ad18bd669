package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Sentinel-Gate/policyledger/internal/ctxkey"
	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policy"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policyset"
	"github.com/Sentinel-Gate/policyledger/internal/port/outbound"
)

func TestRepository_LoadMissing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)

	v, ok, err := h.repos.Policies.Load(h.ctx, "nope")
	if err != nil || ok {
		t.Fatalf("Load(missing) = %+v, %v, %v", v, ok, err)
	}
}

func TestRepository_SaveAndLoad(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)
	ctx := ctxkey.WithCorrelationID(h.ctx, "corr-1")

	events, err := h.repos.Policies.Save(ctx, "pol-1", 0,
		policy.Created{Name: "keys", Target: policy.Global(), EnforcementLevel: policy.EnforcementSoft, CreatedBy: "alice"},
		policy.RuleAdded{Rule: denyRule("r1", "key.bits", 2048)},
	)
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if len(events) != 2 || events[0].Seq != 1 || events[1].Seq != 2 {
		t.Fatalf("Save() seqs = %+v", events)
	}
	if events[0].CorrelationID != "corr-1" {
		t.Errorf("CorrelationID = %q, want corr-1", events[0].CorrelationID)
	}

	v, ok, err := h.repos.Policies.Load(h.ctx, "pol-1")
	if err != nil || !ok {
		t.Fatalf("Load() = %v, %v", ok, err)
	}
	if v.Seq != 2 || v.State.Version != 2 || len(v.State.Rules) != 1 {
		t.Errorf("Load() = seq %d version %d rules %d", v.Seq, v.State.Version, len(v.State.Rules))
	}
	if v.State.Status != policy.StatusDraft {
		t.Errorf("Status = %q, want draft", v.State.Status)
	}
}

func TestRepository_StaleExpectedSeq(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)

	created := policy.Created{Name: "n", Target: policy.Global(), EnforcementLevel: policy.EnforcementSoft, CreatedBy: "a"}
	if _, err := h.repos.Policies.Save(h.ctx, "pol-1", 0, created); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	_, err := h.repos.Policies.Save(h.ctx, "pol-1", 0, created)
	if !errors.Is(err, event.ErrConcurrencyConflict) {
		t.Fatalf("Save(stale) error = %v, want ErrConcurrencyConflict", err)
	}
	var ce *event.ConflictError
	if !errors.As(err, &ce) || ce.Actual != 1 {
		t.Errorf("ConflictError = %+v", ce)
	}
}

func TestRepository_RejectsForeignPayload(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)

	_, err := h.repos.Policies.Save(h.ctx, "pol-1", 0, policyset.Created{Name: "s", CreatedBy: "a"})
	if err == nil {
		t.Fatal("Save(policy set payload into policy stream) should fail")
	}
	if n, _ := h.log.ReadFrom(h.ctx, "pol-1", 1, 10); len(n) != 0 {
		t.Errorf("nothing should be appended, got %d records", len(n))
	}
}

func TestRepository_PublishesSubjects(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100)

	var (
		mu       sync.Mutex
		subjects []string
	)
	_, err := h.bus.Subscribe(h.ctx, event.AggregatePattern(event.DefaultNamespace, "pol-1"), func(_ context.Context, subject string, _ event.Record) {
		mu.Lock()
		subjects = append(subjects, subject)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	h.must(t, policy.CreatePolicy{PolicyID: "pol-1", Name: "n", EnforcementLevel: policy.EnforcementSoft, CreatedBy: "a"})

	mu.Lock()
	defer mu.Unlock()
	want := "events.policy.pol-1.policycreated"
	if len(subjects) != 1 || subjects[0] != want {
		t.Errorf("subjects = %v, want [%s]", subjects, want)
	}
}

func TestRepository_SnapshotInterval(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3)

	h.must(t, policy.CreatePolicy{PolicyID: "pol-1", Name: "n", EnforcementLevel: policy.EnforcementSoft, CreatedBy: "a"})
	for i := 0; i < 5; i++ {
		h.must(t, policy.AddRule{PolicyID: "pol-1", Rule: denyRule(fmt.Sprintf("r%d", i), "x", 1)})
	}
	// Commands load before deciding: the load at seq 3 snapshots, and
	// this one at seq 6 snapshots again.
	if _, _, err := h.repos.Policies.Load(h.ctx, "pol-1"); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	snap, ok, _ := h.snaps.GetLatest(h.ctx, "pol-1")
	if !ok {
		t.Fatal("expected a snapshot")
	}
	if snap.Seq != 6 {
		t.Errorf("snapshot seq = %d, want 6", snap.Seq)
	}
	if got := testutil.ToFloat64(h.metrics.SnapshotsWritten.WithLabelValues("policy")); got != 2 {
		t.Errorf("snapshots_written = %v, want 2", got)
	}

	loaded, _, _ := h.repos.Policies.Load(h.ctx, "pol-1")
	replayed, _, _ := h.repos.Policies.Replay(h.ctx, "pol-1")
	assertSameState(t, loaded, replayed)
}

func TestRepository_CorruptSnapshotFallsBackToReplay(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1000)

	h.must(t,
		policy.CreatePolicy{PolicyID: "pol-1", Name: "n", EnforcementLevel: policy.EnforcementSoft, CreatedBy: "a"},
		policy.AddRule{PolicyID: "pol-1", Rule: denyRule("r1", "x", 1)},
	)
	if err := h.snaps.Put(h.ctx, outbound.Snapshot{
		AggregateID:   "pol-1",
		AggregateType: event.AggregatePolicy,
		Seq:           1,
		State:         []byte(`{"id":"pol-1","name":"tampered"}`),
		Checksum:      1,
	}); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	v, ok, err := h.repos.Policies.Load(h.ctx, "pol-1")
	if err != nil || !ok {
		t.Fatalf("Load() = %v, %v", ok, err)
	}
	if v.State.Name != "n" || v.Seq != 2 {
		t.Errorf("Load() used a corrupt snapshot: name %q seq %d", v.State.Name, v.Seq)
	}
	if got := testutil.ToFloat64(h.metrics.SnapshotFailures); got != 1 {
		t.Errorf("snapshot_failures = %v, want 1", got)
	}
}

func TestRepository_LoadHonoursCancellation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1000)

	h.must(t, policy.CreatePolicy{PolicyID: "pol-1", Name: "n", EnforcementLevel: policy.EnforcementSoft, CreatedBy: "a"})
	ctx, cancel := context.WithCancel(h.ctx)
	cancel()
	if _, _, err := h.repos.Policies.Load(ctx, "pol-1"); !errors.Is(err, context.Canceled) {
		t.Errorf("Load(cancelled) error = %v, want context.Canceled", err)
	}
}

func assertSameState[S any](t *testing.T, a, b Versioned[S]) {
	t.Helper()
	if a.Seq != b.Seq {
		t.Fatalf("seq %d != %d", a.Seq, b.Seq)
	}
	ea, _, err := EncodeState(a.State)
	if err != nil {
		t.Fatalf("EncodeState() error: %v", err)
	}
	eb, _, _ := EncodeState(b.State)
	if !bytes.Equal(ea, eb) {
		t.Errorf("states differ:\n%s\n%s", ea, eb)
	}
}

// TestRepository_SnapshotReplayProperty checks that loading through any
// snapshot interval yields the same state as a full replay.
func TestRepository_SnapshotReplayProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("snapshot plus tail equals full replay", prop.ForAll(
		func(ops []int, interval int) bool {
			h := newHarness(t, interval)
			ctx := h.ctx
			if _, err := h.commands.Handle(ctx, policy.CreatePolicy{PolicyID: "p", Name: "n", EnforcementLevel: policy.EnforcementSoft, CreatedBy: "a"}); err != nil {
				return false
			}
			for i, op := range ops {
				cur, _, _ := h.repos.Policies.Load(ctx, "p")
				switch op {
				case 0:
					_, _ = h.commands.Handle(ctx, policy.AddRule{PolicyID: "p", Rule: denyRule(fmt.Sprintf("r%d", i), "x", int64(i))})
				case 1:
					if len(cur.State.Rules) > 0 {
						_, _ = h.commands.Handle(ctx, policy.RemoveRule{PolicyID: "p", RuleID: cur.State.Rules[0].ID})
					}
				case 2:
					name := fmt.Sprintf("name-%d", i)
					_, _ = h.commands.Handle(ctx, policy.UpdatePolicy{PolicyID: "p", Name: &name, UpdatedBy: "a"})
				case 3:
					ids := cur.State.RuleIDs()
					for l, r := 0, len(ids)-1; l < r; l, r = l+1, r-1 {
						ids[l], ids[r] = ids[r], ids[l]
					}
					if len(ids) > 0 {
						_, _ = h.commands.Handle(ctx, policy.ReorderRules{PolicyID: "p", Order: ids})
					}
				}
			}
			loaded, _, err := h.repos.Policies.Load(ctx, "p")
			if err != nil {
				return false
			}
			replayed, _, err := h.repos.Policies.Replay(ctx, "p")
			if err != nil || loaded.Seq != replayed.Seq {
				return false
			}
			a, _, _ := EncodeState(loaded.State)
			b, _, _ := EncodeState(replayed.State)
			return bytes.Equal(a, b)
		},
		gen.SliceOf(gen.IntRange(0, 3)),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
