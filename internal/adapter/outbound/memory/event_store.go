package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
	"github.com/Sentinel-Gate/policyledger/internal/port/outbound"
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("store closed")

// EventStore implements outbound.EventStore with in-memory streams.
// Thread-safe for concurrent access. For development/testing only.
type EventStore struct {
	mu      sync.RWMutex
	streams map[string][]event.Record // aggregate ID -> records in seq order
	all     []event.Record            // global append order
	closed  bool
}

// NewEventStore creates an empty in-memory event store.
func NewEventStore() *EventStore {
	return &EventStore{streams: make(map[string][]event.Record)}
}

// Append stores records atomically after expectedSeq.
func (s *EventStore) Append(ctx context.Context, aggregateID string, expectedSeq uint64, records []event.Record) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	stream := s.streams[aggregateID]
	head := uint64(len(stream))
	if head != expectedSeq {
		return 0, &event.ConflictError{AggregateID: aggregateID, Expected: expectedSeq, Actual: head}
	}
	prev := head
	for _, r := range records {
		if r.AggregateID != aggregateID {
			return 0, errors.New("record aggregate ID does not match stream")
		}
		if err := event.CheckSequence(aggregateID, prev, r.Seq); err != nil {
			return 0, err
		}
		prev = r.Seq
	}

	for _, r := range records {
		r.Position = uint64(len(s.all)) + 1
		r.Payload = append([]byte(nil), r.Payload...)
		stream = append(stream, r)
		s.all = append(s.all, r)
	}
	s.streams[aggregateID] = stream
	return prev, nil
}

// ReadFrom returns records with Seq >= fromSeq.
func (s *EventStore) ReadFrom(ctx context.Context, aggregateID string, fromSeq uint64, limit int) ([]event.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	stream := s.streams[aggregateID]
	if fromSeq == 0 {
		fromSeq = 1
	}
	if fromSeq > uint64(len(stream)) {
		return nil, nil
	}
	// Seq n lives at index n-1.
	out := stream[fromSeq-1:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return copyRecords(out), nil
}

// Scan returns records in global append order after afterPosition.
func (s *EventStore) Scan(ctx context.Context, afterPosition uint64, limit int) ([]event.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if afterPosition >= uint64(len(s.all)) {
		return nil, nil
	}
	out := s.all[afterPosition:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return copyRecords(out), nil
}

// Close marks the store closed.
func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func copyRecords(in []event.Record) []event.Record {
	out := make([]event.Record, len(in))
	for i, r := range in {
		r.Payload = append([]byte(nil), r.Payload...)
		out[i] = r
	}
	return out
}

// Compile-time interface verification.
var _ outbound.EventStore = (*EventStore)(nil)
