package memory

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Sentinel-Gate/policyledger/internal/domain/audit"
)

func TestAuditStore_EchoesJSONLines(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	store := NewAuditStore(&buf, 0)
	now := time.Now().UTC()
	err := store.Append(context.Background(),
		audit.Record{Timestamp: now, Kind: audit.KindEvaluation, RequestID: "req-1", TargetID: "pol-1", Outcome: "non_compliant", RuleIDs: []string{"r1"}},
		audit.Record{Timestamp: now, Kind: audit.KindCommand, RequestID: "req-2", TargetID: "pol-1", Outcome: audit.OutcomeAccepted, Command: "ActivatePolicy"},
	)
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	var got []audit.Record
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var r audit.Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		got = append(got, r)
	}
	if len(got) != 2 || got[0].RequestID != "req-1" || got[1].Command != "ActivatePolicy" {
		t.Errorf("decoded lines = %+v", got)
	}
	if len(got[0].RuleIDs) != 1 || got[0].RuleIDs[0] != "r1" {
		t.Errorf("rule ids = %v", got[0].RuleIDs)
	}
}

type failingWriter struct{ after int }

func (f *failingWriter) Write(p []byte) (int, error) {
	if f.after == 0 {
		return 0, errors.New("broken pipe")
	}
	f.after--
	return len(p), nil
}

func TestAuditStore_WriteErrorStopsBatch(t *testing.T) {
	t.Parallel()

	store := NewAuditStore(&failingWriter{after: 1}, 10)
	err := store.Append(context.Background(),
		audit.Record{TargetID: "a"},
		audit.Record{TargetID: "b"},
		audit.Record{TargetID: "c"},
	)
	if err == nil {
		t.Fatal("Append() should surface the writer error")
	}
	if got := store.Recent(10); len(got) != 1 || got[0].TargetID != "a" {
		t.Errorf("retained = %+v, want only a", got)
	}
}

func TestAuditStore_RetainsNewest(t *testing.T) {
	t.Parallel()

	store := NewAuditStore(nil, 3)
	for _, id := range []string{"pol-0", "pol-1", "pol-2", "pol-3", "pol-4"} {
		_ = store.Append(context.Background(), audit.Record{TargetID: id})
	}
	got := store.Recent(10)
	if len(got) != 3 || got[0].TargetID != "pol-4" || got[2].TargetID != "pol-2" {
		t.Errorf("Recent() = %+v", got)
	}
	if err := store.Flush(context.Background()); err != nil {
		t.Errorf("Flush() = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestAuditStore_Query(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewAuditStore(nil, 0)
	now := time.Now().UTC()
	_ = store.Append(ctx,
		audit.Record{Timestamp: now.Add(-48 * time.Hour), Kind: audit.KindEvaluation, TargetID: "pol-1", Outcome: "compliant"},
		audit.Record{Timestamp: now.Add(-2 * time.Hour), Kind: audit.KindEvaluation, TargetID: "pol-1", Outcome: "compliant"},
		audit.Record{Timestamp: now.Add(-time.Hour), Kind: audit.KindEvaluation, TargetID: "pol-1", Outcome: "compliant_with_exemption", ExemptionID: "ex-1"},
		audit.Record{Timestamp: now.Add(-time.Hour), Kind: audit.KindCommand, TargetID: "set-1", Outcome: audit.OutcomeRejected},
	)

	tests := []struct {
		name   string
		filter audit.Filter
		want   []string // outcomes, newest first
	}{
		{"default window by target", audit.Filter{EndTime: now, TargetID: "pol-1"}, []string{"compliant_with_exemption", "compliant"}},
		{"by kind", audit.Filter{EndTime: now, Kind: audit.KindCommand}, []string{audit.OutcomeRejected}},
		{"by outcome", audit.Filter{EndTime: now, Outcome: "compliant"}, []string{"compliant"}},
		{"limit", audit.Filter{EndTime: now, Limit: 1}, []string{audit.OutcomeRejected}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Query(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Query() error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Query() = %d records, want %d", len(got), len(tt.want))
			}
			for i, r := range got {
				if r.Outcome != tt.want[i] {
					t.Errorf("record %d outcome = %q, want %q", i, r.Outcome, tt.want[i])
				}
			}
		})
	}

	if _, err := store.Query(ctx, audit.Filter{StartTime: now.Add(-40 * 24 * time.Hour), EndTime: now}); !errors.Is(err, audit.ErrDateRangeExceeded) {
		t.Errorf("Query() over 31 days = %v, want ErrDateRangeExceeded", err)
	}
}

func TestAuditStore_QueryStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewAuditStore(nil, 0)
	now := time.Now().UTC()
	_ = store.Append(ctx,
		audit.Record{Timestamp: now.Add(-time.Hour), Kind: audit.KindEvaluation, TargetID: "pol-1", Outcome: "non_compliant"},
		audit.Record{Timestamp: now.Add(-time.Hour), Kind: audit.KindEvaluation, TargetID: "pol-1", Outcome: "compliant"},
		audit.Record{Timestamp: now.Add(-time.Hour), Kind: audit.KindCommand, TargetID: "pol-2", Outcome: audit.OutcomeAccepted},
		audit.Record{Timestamp: now.Add(-10 * time.Hour), Kind: audit.KindCommand, TargetID: "pol-2", Outcome: audit.OutcomeAccepted},
	)

	stats, err := store.QueryStats(ctx, now.Add(-3*time.Hour), now)
	if err != nil {
		t.Fatalf("QueryStats() error: %v", err)
	}
	if stats.Total != 3 || stats.ByKind[audit.KindEvaluation] != 2 || stats.ByTarget["pol-2"] != 1 || stats.ByOutcome["compliant"] != 1 {
		t.Errorf("QueryStats() = %+v", stats)
	}
}
