package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
)

// Append stores records after expectedSeq in one transaction and returns
// the new head sequence.
func (s *Store) Append(ctx context.Context, aggregateID string, expectedSeq uint64, records []event.Record) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var head uint64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE aggregate_id = ?`, aggregateID,
	).Scan(&head); err != nil {
		return 0, fmt.Errorf("read head: %w", err)
	}
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
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (id, aggregate_id, aggregate_type, seq, type, created_at, correlation_id, payload)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.AggregateID, string(r.AggregateType), r.Seq, string(r.Type),
			formatTime(r.CreatedAt), r.CorrelationID, []byte(r.Payload),
		); err != nil {
			if isConstraintError(err) {
				return 0, &event.ConflictError{AggregateID: aggregateID, Expected: expectedSeq, Actual: r.Seq}
			}
			return 0, fmt.Errorf("append event: %w", err)
		}
		prev = r.Seq
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return prev, nil
}

// ReadFrom returns records of aggregateID with seq >= fromSeq.
func (s *Store) ReadFrom(ctx context.Context, aggregateID string, fromSeq uint64, limit int) ([]event.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT position, id, aggregate_id, aggregate_type, seq, type, created_at, correlation_id, payload
		 FROM events WHERE aggregate_id = ? AND seq >= ? ORDER BY seq LIMIT ?`,
		aggregateID, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return scanRecords(rows)
}

// Scan returns records in global append order after afterPosition.
func (s *Store) Scan(ctx context.Context, afterPosition uint64, limit int) ([]event.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT position, id, aggregate_id, aggregate_type, seq, type, created_at, correlation_id, payload
		 FROM events WHERE position > ? ORDER BY position LIMIT ?`,
		afterPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]event.Record, error) {
	defer rows.Close()

	var out []event.Record
	for rows.Next() {
		var (
			r         event.Record
			aggType   string
			typ       string
			createdAt string
			payload   []byte
		)
		if err := rows.Scan(&r.Position, &r.ID, &r.AggregateID, &aggType, &r.Seq, &typ, &createdAt, &r.CorrelationID, &payload); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("event %s created_at: %w", r.ID, err)
		}
		r.AggregateType = event.AggregateType(aggType)
		r.Type = event.Type(typ)
		r.CreatedAt = t
		r.Payload = payload
		out = append(out, r)
	}
	return out, rows.Err()
}
