package memory

import (
	"context"
	"sync"

	"github.com/Sentinel-Gate/policyledger/internal/port/outbound"
)

// SnapshotStore implements outbound.SnapshotStore keeping the latest
// snapshot per aggregate.
type SnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string]outbound.Snapshot
}

// NewSnapshotStore creates an empty in-memory snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snaps: make(map[string]outbound.Snapshot)}
}

// GetLatest returns the stored snapshot for aggregateID.
func (s *SnapshotStore) GetLatest(ctx context.Context, aggregateID string) (outbound.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snaps[aggregateID]
	if !ok {
		return outbound.Snapshot{}, false, nil
	}
	// Return a copy to prevent mutation
	snap.State = append([]byte(nil), snap.State...)
	return snap, true, nil
}

// Put stores snap unless a newer snapshot is already present.
func (s *SnapshotStore) Put(ctx context.Context, snap outbound.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.snaps[snap.AggregateID]; ok && cur.Seq > snap.Seq {
		return nil
	}
	snap.State = append([]byte(nil), snap.State...)
	s.snaps[snap.AggregateID] = snap
	return nil
}

// Len returns the number of aggregates with a snapshot.
func (s *SnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snaps)
}

// Compile-time interface verification.
var _ outbound.SnapshotStore = (*SnapshotStore)(nil)
