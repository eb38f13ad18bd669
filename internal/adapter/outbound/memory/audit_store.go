// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Sentinel-Gate/policyledger/internal/domain/audit"
)

// DefaultRecentRecords is the ring size used when none is given.
const DefaultRecentRecords = 1000

// AuditStore is the decision log for single-process setups. Each record is
// written as one JSON line to an optional writer and retained in a bounded
// ring that answers queries.
type AuditStore struct {
	mu  sync.Mutex // serialises encoder writes
	out io.Writer
	enc *json.Encoder

	ring *audit.Ring
}

// NewAuditStore returns a decision log that echoes to w and keeps the last
// capacity records. A nil w keeps records in memory only; capacity <= 0 means
// DefaultRecentRecords.
func NewAuditStore(w io.Writer, capacity int) *AuditStore {
	if capacity <= 0 {
		capacity = DefaultRecentRecords
	}
	s := &AuditStore{out: w, ring: audit.NewRing(capacity)}
	if w != nil {
		s.enc = json.NewEncoder(w)
	}
	return s
}

// Append implements audit.Store. A write error stops the batch; records
// before it are retained.
func (s *AuditStore) Append(_ context.Context, records ...audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if s.enc != nil {
			if err := s.enc.Encode(r); err != nil {
				return err
			}
		}
		s.ring.Add(r)
	}
	return nil
}

// Flush implements audit.Store. Writes are unbuffered.
func (s *AuditStore) Flush(context.Context) error { return nil }

// Close closes the writer when it is a file other than stdout or stderr.
func (s *AuditStore) Close() error {
	f, ok := s.out.(*os.File)
	if !ok || f == os.Stdout || f == os.Stderr {
		return nil
	}
	return f.Close()
}

// Recent returns up to n retained records, newest first.
func (s *AuditStore) Recent(n int) []audit.Record {
	return s.ring.Recent(n)
}

// Query implements audit.QueryStore over the retained records.
func (s *AuditStore) Query(_ context.Context, filter audit.Filter) ([]audit.Record, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return nil, err
	}
	var out []audit.Record
	for _, r := range s.ring.Recent(s.ring.Len()) {
		if len(out) == filter.Limit {
			break
		}
		if within(r.Timestamp, filter.StartTime, filter.EndTime) && filter.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// QueryStats implements audit.QueryStore over the retained records.
func (s *AuditStore) QueryStats(_ context.Context, start, end time.Time) (*audit.Stats, error) {
	stats := &audit.Stats{
		ByKind:    map[string]int64{},
		ByOutcome: map[string]int64{},
		ByTarget:  map[string]int64{},
	}
	for _, r := range s.ring.Recent(s.ring.Len()) {
		if !within(r.Timestamp, start, end) {
			continue
		}
		stats.Total++
		stats.ByKind[r.Kind]++
		stats.ByOutcome[r.Outcome]++
		stats.ByTarget[r.TargetID]++
	}
	return stats, nil
}

// within treats a zero bound as open.
func within(ts, start, end time.Time) bool {
	return (start.IsZero() || !ts.Before(start)) && (end.IsZero() || !ts.After(end))
}

var (
	_ audit.Store      = (*AuditStore)(nil)
	_ audit.QueryStore = (*AuditStore)(nil)
)
