package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
	"github.com/Sentinel-Gate/policyledger/internal/port/outbound"
)

// GetLatest returns the stored snapshot of aggregateID.
func (s *Store) GetLatest(ctx context.Context, aggregateID string) (outbound.Snapshot, bool, error) {
	var (
		snap      outbound.Snapshot
		aggType   string
		checksum  string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT aggregate_id, aggregate_type, seq, state, checksum, created_at FROM snapshots WHERE aggregate_id = ?`,
		aggregateID,
	).Scan(&snap.AggregateID, &aggType, &snap.Seq, &snap.State, &checksum, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return outbound.Snapshot{}, false, nil
	}
	if err != nil {
		return outbound.Snapshot{}, false, fmt.Errorf("get snapshot: %w", err)
	}
	snap.AggregateType = event.AggregateType(aggType)
	if snap.Checksum, err = strconv.ParseUint(checksum, 16, 64); err != nil {
		return outbound.Snapshot{}, false, fmt.Errorf("snapshot %s checksum: %w", aggregateID, err)
	}
	if snap.CreatedAt, err = parseTime(createdAt); err != nil {
		return outbound.Snapshot{}, false, fmt.Errorf("snapshot %s created_at: %w", aggregateID, err)
	}
	return snap, true, nil
}

// Put stores snap unless a newer snapshot is already present.
func (s *Store) Put(ctx context.Context, snap outbound.Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (aggregate_id, aggregate_type, seq, state, checksum, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (aggregate_id) DO UPDATE SET
		   aggregate_type = excluded.aggregate_type,
		   seq = excluded.seq,
		   state = excluded.state,
		   checksum = excluded.checksum,
		   created_at = excluded.created_at
		 WHERE excluded.seq >= snapshots.seq`,
		snap.AggregateID, string(snap.AggregateType), snap.Seq, snap.State,
		strconv.FormatUint(snap.Checksum, 16), formatTime(snap.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}
