package outbound

import (
	"context"
	"time"

	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
)

// Snapshot is a materialised aggregate state at sequence Seq.
type Snapshot struct {
	AggregateID   string              `json:"aggregate_id"`
	AggregateType event.AggregateType `json:"aggregate_type"`
	Seq           uint64              `json:"seq"`
	// State is the canonical JSON encoding of the aggregate state.
	State []byte `json:"state"`
	// Checksum is the xxhash of State.
	Checksum  uint64    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotStore keeps the latest snapshot per aggregate.
type SnapshotStore interface {
	// GetLatest returns the snapshot with the highest Seq.
	// Returns false if the aggregate has none.
	GetLatest(ctx context.Context, aggregateID string) (Snapshot, bool, error)

	// Put stores a snapshot. A snapshot older than the stored one is ignored.
	Put(ctx context.Context, snap Snapshot) error
}
