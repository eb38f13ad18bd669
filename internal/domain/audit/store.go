package audit

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for audit store operations.
var (
	// ErrDateRangeExceeded is returned when the query date range exceeds the maximum allowed.
	ErrDateRangeExceeded = errors.New("date range exceeds maximum of 31 days")
)

// MaxQueryRange bounds Filter.EndTime - Filter.StartTime.
const MaxQueryRange = 31 * 24 * time.Hour

// Store persists audit records.
// Interface owned by domain per hexagonal architecture.
// Implementation handles batching and async writes.
type Store interface {
	// Append stores audit records. Must be non-blocking from caller perspective.
	Append(ctx context.Context, records ...Record) error

	// Flush forces pending records to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Filter specifies query parameters for audit trail queries.
type Filter struct {
	// StartTime is the beginning of the time range (required).
	StartTime time.Time
	// EndTime is the end of the time range (required).
	EndTime time.Time
	// Kind filters by record kind (optional).
	Kind string
	// TargetID filters by policy, set or exemption ID (optional).
	TargetID string
	// Outcome filters by outcome (optional).
	Outcome string
	// Limit is the maximum number of records to return (default 100, max 1000).
	Limit int
}

// Stats contains aggregated audit statistics for a time period.
type Stats struct {
	// Total is the number of records.
	Total int64
	// ByKind maps record kinds to counts.
	ByKind map[string]int64
	// ByOutcome maps outcomes to counts.
	ByOutcome map[string]int64
	// ByTarget maps target IDs to counts.
	ByTarget map[string]int64
}

// QueryStore provides read access to the audit trail.
// This interface is separate from Store which handles writes.
type QueryStore interface {
	// Query retrieves records matching the filter, newest first.
	// Returns ErrDateRangeExceeded if EndTime - StartTime > MaxQueryRange.
	Query(ctx context.Context, filter Filter) ([]Record, error)

	// QueryStats returns aggregated statistics for the given time range.
	QueryStats(ctx context.Context, start, end time.Time) (*Stats, error)
}

// Matches reports whether r passes the optional filter fields. Time range
// and limit are applied by the store.
func (f Filter) Matches(r Record) bool {
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.TargetID != "" && r.TargetID != f.TargetID {
		return false
	}
	if f.Outcome != "" && r.Outcome != f.Outcome {
		return false
	}
	return true
}

// Normalize validates the range and applies the default limit.
func (f Filter) Normalize() (Filter, error) {
	if f.EndTime.IsZero() {
		f.EndTime = time.Now().UTC()
	}
	if f.StartTime.IsZero() {
		f.StartTime = f.EndTime.Add(-24 * time.Hour)
	}
	if f.EndTime.Sub(f.StartTime) > MaxQueryRange {
		return f, ErrDateRangeExceeded
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Limit > 1000 {
		f.Limit = 1000
	}
	return f, nil
}
