// Package file stores aggregate snapshots as one JSON document per
// aggregate in a directory.
package file

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/Sentinel-Gate/policyledger/internal/port/outbound"
)

var _ outbound.SnapshotStore = (*SnapshotStore)(nil)

// SnapshotStore writes snapshots atomically (tmp, fsync, rename) under an
// flock on dir/.lock so several processes can share one directory.
type SnapshotStore struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewSnapshotStore creates dir with 0700 permissions if needed.
func NewSnapshotStore(dir string, logger *slog.Logger) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	if runtime.GOOS != "windows" {
		if info, err := os.Stat(dir); err == nil && info.Mode().Perm()&0o077 != 0 {
			logger.Warn("snapshot dir has too-open permissions, should be 0700",
				"path", dir, "current_mode", fmt.Sprintf("%04o", info.Mode().Perm()))
		}
	}
	return &SnapshotStore{dir: dir, logger: logger}, nil
}

// Dir returns the configured directory.
func (s *SnapshotStore) Dir() string { return s.dir }

// fileName hex-encodes the aggregate ID so any ID is a safe file name.
func (s *SnapshotStore) fileName(aggregateID string) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(aggregateID))+".json")
}

// GetLatest reads the snapshot file for aggregateID.
func (s *SnapshotStore) GetLatest(ctx context.Context, aggregateID string) (outbound.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return outbound.Snapshot{}, false, err
	}
	return s.read(aggregateID)
}

func (s *SnapshotStore) read(aggregateID string) (outbound.Snapshot, bool, error) {
	data, err := os.ReadFile(s.fileName(aggregateID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return outbound.Snapshot{}, false, nil
		}
		return outbound.Snapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}
	var snap outbound.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return outbound.Snapshot{}, false, fmt.Errorf("parse snapshot %s: %w", aggregateID, err)
	}
	return snap, true, nil
}

// Put replaces the stored snapshot unless the stored one is newer.
func (s *SnapshotStore) Put(ctx context.Context, snap outbound.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	lockFile, err := os.OpenFile(filepath.Join(s.dir, ".lock"), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()
	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	// An unreadable current file is overwritten.
	if cur, ok, err := s.read(snap.AggregateID); err == nil && ok && cur.Seq > snap.Seq {
		s.logger.Debug("keeping newer snapshot", "aggregate_id", snap.AggregateID, "stored_seq", cur.Seq, "seq", snap.Seq)
		return nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return writeAtomic(s.fileName(snap.AggregateID), data)
}

// writeAtomic writes data to path+".tmp", fsyncs it and renames it over
// path. The temp file is removed on any error.
func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}
	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
