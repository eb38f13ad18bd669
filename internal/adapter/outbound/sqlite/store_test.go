package sqlite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
	"github.com/Sentinel-Gate/policyledger/internal/domain/saga"
	"github.com/Sentinel-Gate/policyledger/internal/port/outbound"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func rec(id string, seq uint64) event.Record {
	return event.Record{
		ID:            fmt.Sprintf("%s-%d", id, seq),
		AggregateID:   id,
		AggregateType: event.AggregatePolicy,
		Seq:           seq,
		Type:          event.TypePolicyUpdated,
		CreatedAt:     time.Date(2026, 3, 1, 12, 0, 0, int(seq), time.UTC),
		CorrelationID: "corr",
		Payload:       []byte(`{"updated_by":"a"}`),
	}
}

func TestStore_AppendReadScan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTestStore(t)

	head, err := s.Append(ctx, "p1", 0, []event.Record{rec("p1", 1), rec("p1", 2)})
	if err != nil || head != 2 {
		t.Fatalf("Append() = %d, %v", head, err)
	}
	if _, err := s.Append(ctx, "p2", 0, []event.Record{rec("p2", 1)}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if _, err := s.Append(ctx, "p1", 2, []event.Record{rec("p1", 3)}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	got, err := s.ReadFrom(ctx, "p1", 2, 10)
	if err != nil {
		t.Fatalf("ReadFrom() error: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 2 || got[1].Seq != 3 {
		t.Fatalf("ReadFrom() = %+v", got)
	}
	want := rec("p1", 2)
	if !got[0].CreatedAt.Equal(want.CreatedAt) || string(got[0].Payload) != string(want.Payload) || got[0].CorrelationID != "corr" {
		t.Errorf("round trip mismatch: %+v", got[0])
	}

	all, err := s.Scan(ctx, 0, 0)
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(all) != 4 || all[2].AggregateID != "p2" || all[3].Position <= all[2].Position {
		t.Errorf("Scan() order = %+v", all)
	}
	tail, _ := s.Scan(ctx, all[1].Position, 1)
	if len(tail) != 1 || tail[0].ID != all[2].ID {
		t.Errorf("Scan(after, 1) = %+v", tail)
	}
}

func TestStore_AppendConflictsAndGaps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTestStore(t)

	if _, err := s.Append(ctx, "p1", 0, []event.Record{rec("p1", 1)}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	_, err := s.Append(ctx, "p1", 0, []event.Record{rec("p1", 1)})
	var ce *event.ConflictError
	if !errors.As(err, &ce) || ce.Actual != 1 {
		t.Fatalf("Append(stale) error = %v, want ConflictError at 1", err)
	}
	if _, err := s.Append(ctx, "p1", 1, []event.Record{rec("p1", 3)}); !errors.Is(err, event.ErrSequenceGap) {
		t.Errorf("Append(gap) error = %v, want ErrSequenceGap", err)
	}
	// The failed batch left nothing behind.
	got, _ := s.ReadFrom(ctx, "p1", 1, 0)
	if len(got) != 1 {
		t.Errorf("stream length = %d, want 1", len(got))
	}
}

func TestStore_Reopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, path := openTestStore(t)

	if _, err := s.Append(ctx, "p1", 0, []event.Record{rec("p1", 1)}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	reopened, err := Open(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.ReadFrom(ctx, "p1", 1, 0)
	if err != nil || len(got) != 1 {
		t.Fatalf("ReadFrom() after reopen = %d, %v", len(got), err)
	}
}

func TestStore_Snapshots(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTestStore(t)

	if _, ok, err := s.GetLatest(ctx, "p1"); ok || err != nil {
		t.Fatalf("GetLatest(empty) = %v, %v", ok, err)
	}
	snap := outbound.Snapshot{
		AggregateID:   "p1",
		AggregateType: event.AggregatePolicy,
		Seq:           5,
		State:         []byte(`{"id":"p1"}`),
		Checksum:      0xfeedbeefcafe,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.Put(ctx, snap); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	older := snap
	older.Seq = 3
	older.State = []byte(`{"id":"old"}`)
	if err := s.Put(ctx, older); err != nil {
		t.Fatalf("Put(older) error: %v", err)
	}

	got, ok, err := s.GetLatest(ctx, "p1")
	if err != nil || !ok {
		t.Fatalf("GetLatest() = %v, %v", ok, err)
	}
	if got.Seq != 5 || got.Checksum != snap.Checksum || string(got.State) != `{"id":"p1"}` {
		t.Errorf("GetLatest() = %+v", got)
	}
}

func TestSagaStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTestStore(t)
	sagas := s.Sagas()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mk := func(name, id string, deadline *time.Time) saga.Instance {
		in := saga.Instance{Saga: name, AggregateID: id, State: "active", Data: map[string]string{"k": id}, StartedAt: now, UpdatedAt: now}
		if deadline != nil {
			in.SetDeadline(*deadline)
		}
		return in
	}
	early, late := now.Add(-time.Hour), now.Add(-time.Minute)
	future := now.Add(time.Hour)
	for _, in := range []saga.Instance{
		mk("exemption", "ex-2", &late),
		mk("exemption", "ex-1", &early),
		mk("enforcement", "p1", &future),
		mk("approval", "p1", nil),
	} {
		if err := sagas.Put(ctx, in); err != nil {
			t.Fatalf("Put() error: %v", err)
		}
	}

	due, err := sagas.Due(ctx, now)
	if err != nil {
		t.Fatalf("Due() error: %v", err)
	}
	if len(due) != 2 || due[0].AggregateID != "ex-1" || due[1].AggregateID != "ex-2" {
		t.Errorf("Due() = %+v", due)
	}

	in, ok, err := sagas.Get(ctx, "approval", "p1")
	if err != nil || !ok || in.Data["k"] != "p1" || in.Deadline != nil {
		t.Errorf("Get() = %+v, %v, %v", in, ok, err)
	}
	in.State = "completed"
	if err := sagas.Put(ctx, in); err != nil {
		t.Fatalf("Put(update) error: %v", err)
	}
	list, _ := sagas.List(ctx, "approval")
	if len(list) != 1 || list[0].State != "completed" {
		t.Errorf("List() = %+v", list)
	}
	if _, ok, _ := sagas.Get(ctx, "approval", "nope"); ok {
		t.Error("Get(missing) should report false")
	}
}
