// Package outbound defines the outbound port interfaces the core depends
// on: the event log, snapshots, pub/sub fan-out and saga persistence.
package outbound

import (
	"context"

	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
)

// EventLog is the append-only, per-aggregate ordered event stream.
// Adapters must make Append atomic: either every record is stored or none.
type EventLog interface {
	// Append stores records after expectedSeq. It returns the new head
	// sequence, or an *event.ConflictError if the stream head is not
	// expectedSeq. Records must carry Seq expectedSeq+1, expectedSeq+2, ...
	Append(ctx context.Context, aggregateID string, expectedSeq uint64, records []event.Record) (uint64, error)

	// ReadFrom returns up to limit records with Seq >= fromSeq in sequence
	// order. A limit <= 0 means no limit. The read is restartable: calling
	// again with the last Seq+1 continues the stream.
	ReadFrom(ctx context.Context, aggregateID string, fromSeq uint64, limit int) ([]event.Record, error)
}

// EventScanner reads the whole log in global append order. Projections use
// it to rebuild state.
type EventScanner interface {
	// Scan returns up to limit records with Position > afterPosition.
	Scan(ctx context.Context, afterPosition uint64, limit int) ([]event.Record, error)
}

// EventStore is an event log that can also be scanned and closed.
type EventStore interface {
	EventLog
	EventScanner
	Close() error
}
