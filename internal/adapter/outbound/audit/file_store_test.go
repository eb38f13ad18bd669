package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Sentinel-Gate/policyledger/internal/domain/audit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T, cfg Config) *FileStore {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(t.TempDir(), "audit")
	}
	s, err := NewFileStore(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(ts time.Time, target, outcome string) audit.Record {
	return audit.Record{
		Timestamp:  ts,
		Kind:       audit.KindEvaluation,
		TargetID:   target,
		TargetType: "policy",
		Outcome:    outcome,
		RuleIDs:    []string{"r1"},
	}
}

func TestParseSegment(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ok   bool
		want segment
	}{
		{"decisions-2026-03-01.log", true, segment{day: "2026-03-01"}},
		{"decisions-2026-03-01-4.log", true, segment{day: "2026-03-01", part: 4}},
		{"decisions-2026-03-01.log.tmp", false, segment{}},
		{"audit-2026-03-01.log", false, segment{}},
	}
	for _, tt := range tests {
		got, ok := parseSegment(tt.name)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseSegment(%q) = %+v, %v", tt.name, got, ok)
		}
		if ok && got.name() != tt.name {
			t.Errorf("name() = %q, want %q", got.name(), tt.name)
		}
	}
}

func TestListSegments_Ordered(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for _, n := range []string{"decisions-2026-03-02.log", "decisions-2026-03-01-10.log", "decisions-2026-03-01-2.log", "decisions-2026-03-01.log", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	got := listSegments(dir)
	want := []segment{{"2026-03-01", 0}, {"2026-03-01", 2}, {"2026-03-01", 10}, {"2026-03-02", 0}}
	if len(got) != len(want) {
		t.Fatalf("listSegments() = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("segment %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if last := lastPart(dir, "2026-03-01"); last.part != 10 {
		t.Errorf("lastPart() = %+v, want part 10", last)
	}
}

func TestFileStore_AppendAndRecent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t, Config{CacheSize: 2})
	now := time.Now().UTC()

	if err := s.Append(ctx, record(now, "a", "compliant"), record(now, "b", "compliant"), record(now, "c", "non_compliant")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	recent := s.Recent(10)
	if len(recent) != 2 || recent[0].TargetID != "c" || recent[1].TargetID != "b" {
		t.Errorf("Recent() = %+v", recent)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, segmentFor(now).name()))
	if err != nil {
		t.Fatal(err)
	}
	if lines := countLines(data); lines != 3 {
		t.Errorf("file has %d lines, want 3", lines)
	}
}

func countLines(b []byte) int {
	n := 0
	for _, c := range b {
		if c == '\n' {
			n++
		}
	}
	return n
}

func TestFileStore_DateAndSizeRotation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t, Config{})
	s.limit = 200 // bytes, to force size rotation

	day1 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	for i := 0; i < 3; i++ {
		if err := s.Append(ctx, record(day1.Add(time.Duration(i)*time.Minute), "p", "compliant")); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Append(ctx, record(day2, "p", "compliant")); err != nil {
		t.Fatal(err)
	}

	var day1Files, day2Files int
	for _, g := range listSegments(s.dir) {
		switch g.day {
		case "2026-03-01":
			day1Files++
		case "2026-03-02":
			day2Files++
		}
	}
	if day1Files < 2 {
		t.Errorf("day1 files = %d, want size rotation", day1Files)
	}
	if day2Files != 1 {
		t.Errorf("day2 files = %d, want 1", day2Files)
	}
}

func TestFileStore_QueryAndStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t, Config{})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_ = s.Append(ctx,
		record(base, "p1", "compliant"),
		record(base.Add(time.Hour), "p2", "non_compliant"),
		record(base.AddDate(0, 0, 1), "p1", "non_compliant"),
	)

	got, err := s.Query(ctx, audit.Filter{StartTime: base.Add(-time.Minute), EndTime: base.AddDate(0, 0, 2)})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(got) != 3 || !got[0].Timestamp.Equal(base.AddDate(0, 0, 1)) {
		t.Errorf("Query() = %+v, want newest first", got)
	}

	got, _ = s.Query(ctx, audit.Filter{StartTime: base.Add(-time.Minute), EndTime: base.AddDate(0, 0, 2), TargetID: "p1", Outcome: "non_compliant"})
	if len(got) != 1 {
		t.Errorf("filtered Query() = %+v", got)
	}

	got, _ = s.Query(ctx, audit.Filter{StartTime: base.Add(-time.Minute), EndTime: base.Add(30 * time.Minute)})
	if len(got) != 1 || got[0].TargetID != "p1" {
		t.Errorf("ranged Query() = %+v", got)
	}

	if _, err := s.Query(ctx, audit.Filter{StartTime: base, EndTime: base.AddDate(0, 2, 0)}); !errors.Is(err, audit.ErrDateRangeExceeded) {
		t.Errorf("wide Query() error = %v", err)
	}

	stats, err := s.QueryStats(ctx, base.Add(-time.Minute), base.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("QueryStats() error: %v", err)
	}
	if stats.Total != 3 || stats.ByTarget["p1"] != 2 || stats.ByOutcome["non_compliant"] != 2 {
		t.Errorf("QueryStats() = %+v", stats)
	}
}

func TestFileStore_RetentionAndReopen(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "audit")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	old := filepath.Join(dir, "decisions-2000-01-01.log")
	if err := os.WriteFile(old, []byte("{}\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	now := time.Now().UTC()
	s, err := NewFileStore(Config{Dir: dir, RetentionDays: 3}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("expired file not removed")
	}
	_ = s.Append(ctx, record(now, "p1", "compliant"), record(now, "p2", "compliant"))
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := s.Append(ctx, record(now, "p3", "compliant")); !errors.Is(err, os.ErrClosed) {
		t.Errorf("Append() after Close = %v", err)
	}

	reopened, err := NewFileStore(Config{Dir: dir}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	recent := reopened.Recent(5)
	if len(recent) != 2 || recent[0].TargetID != "p2" {
		t.Errorf("Recent() after reopen = %+v", recent)
	}
}

func TestFileStore_CloseStopsCleanup(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	s, err := NewFileStore(Config{Dir: t.TempDir()}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

