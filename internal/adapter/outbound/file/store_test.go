package file

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
	"github.com/Sentinel-Gate/policyledger/internal/port/outbound"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func snapshot(id string, seq uint64) outbound.Snapshot {
	return outbound.Snapshot{
		AggregateID:   id,
		AggregateType: event.AggregatePolicy,
		Seq:           seq,
		State:         []byte(fmt.Sprintf(`{"id":%q,"seq":%d}`, id, seq)),
		Checksum:      seq * 31,
		CreatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newStore(t *testing.T) *SnapshotStore {
	t.Helper()
	s, err := NewSnapshotStore(filepath.Join(t.TempDir(), "snapshots"), testLogger())
	if err != nil {
		t.Fatalf("NewSnapshotStore() error: %v", err)
	}
	return s
}

func TestSnapshotStore_PutAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	if _, ok, err := s.GetLatest(ctx, "pol-1"); ok || err != nil {
		t.Fatalf("GetLatest(empty) = %v, %v", ok, err)
	}
	if err := s.Put(ctx, snapshot("pol-1", 4)); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	got, ok, err := s.GetLatest(ctx, "pol-1")
	if err != nil || !ok {
		t.Fatalf("GetLatest() = %v, %v", ok, err)
	}
	want := snapshot("pol-1", 4)
	if got.Seq != 4 || got.Checksum != want.Checksum || string(got.State) != string(want.State) || !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("GetLatest() = %+v, want %+v", got, want)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(s.Dir())
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestSnapshotStore_KeepsNewest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	_ = s.Put(ctx, snapshot("pol-1", 10))
	if err := s.Put(ctx, snapshot("pol-1", 7)); err != nil {
		t.Fatalf("Put(older) error: %v", err)
	}
	got, _, _ := s.GetLatest(ctx, "pol-1")
	if got.Seq != 10 {
		t.Errorf("Seq = %d, want 10", got.Seq)
	}
}

func TestSnapshotStore_AwkwardIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	ids := []string{"../escape", "a/b", "set:prod", ".lock"}
	for i, id := range ids {
		if err := s.Put(ctx, snapshot(id, uint64(i+1))); err != nil {
			t.Fatalf("Put(%q) error: %v", id, err)
		}
	}
	for i, id := range ids {
		got, ok, err := s.GetLatest(ctx, id)
		if err != nil || !ok || got.Seq != uint64(i+1) {
			t.Errorf("GetLatest(%q) = %+v, %v, %v", id, got, ok, err)
		}
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(s.Dir()), "escape")); !os.IsNotExist(err) {
		t.Error("aggregate ID escaped the snapshot dir")
	}
}

func TestSnapshotStore_CorruptFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	if err := os.WriteFile(s.fileName("pol-1"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.GetLatest(ctx, "pol-1"); err == nil {
		t.Fatal("GetLatest() on corrupt file should fail")
	}
	// Put overwrites a corrupt file.
	if err := s.Put(ctx, snapshot("pol-1", 2)); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if got, ok, err := s.GetLatest(ctx, "pol-1"); err != nil || !ok || got.Seq != 2 {
		t.Errorf("GetLatest() = %+v, %v, %v", got, ok, err)
	}
}

func TestSnapshotStore_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permission bits")
	}
	t.Parallel()
	s := newStore(t)
	if err := s.Put(context.Background(), snapshot("pol-1", 1)); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(s.fileName("pol-1"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %04o, want 0600", perm)
	}
}

func TestSnapshotStore_ConcurrentPuts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStore(t)

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			if err := s.Put(ctx, snapshot("pol-1", seq)); err != nil {
				t.Errorf("Put(%d) error: %v", seq, err)
			}
		}(uint64(i))
	}
	wg.Wait()

	got, _, _ := s.GetLatest(ctx, "pol-1")
	if got.Seq != 20 {
		t.Errorf("Seq = %d, want 20", got.Seq)
	}
}

func TestSnapshotStore_Cancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newStore(t)
	if err := s.Put(ctx, snapshot("pol-1", 1)); err == nil {
		t.Error("Put() with cancelled context should fail")
	}
	if _, _, err := s.GetLatest(ctx, "pol-1"); err == nil {
		t.Error("GetLatest() with cancelled context should fail")
	}
}
