package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sentinel-Gate/policyledger/internal/domain/saga"
)

// SagaStore implements outbound.SagaStore on the database of a Store.
type SagaStore struct {
	db *sql.DB
}

// Sagas returns the saga instance store sharing s's database.
func (s *Store) Sagas() *SagaStore { return &SagaStore{db: s.db} }

// Get returns the instance for (sagaName, aggregateID).
func (s *SagaStore) Get(ctx context.Context, sagaName, aggregateID string) (saga.Instance, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT instance FROM saga_instances WHERE saga = ? AND aggregate_id = ?`, sagaName, aggregateID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.Instance{}, false, nil
	}
	if err != nil {
		return saga.Instance{}, false, fmt.Errorf("get saga instance: %w", err)
	}
	var in saga.Instance
	if err := json.Unmarshal(raw, &in); err != nil {
		return saga.Instance{}, false, fmt.Errorf("decode saga instance %s/%s: %w", sagaName, aggregateID, err)
	}
	return in, true, nil
}

// Put creates or replaces an instance.
func (s *SagaStore) Put(ctx context.Context, in saga.Instance) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode saga instance: %w", err)
	}
	var deadline sql.NullInt64
	if in.Deadline != nil {
		deadline = sql.NullInt64{Int64: in.Deadline.UTC().UnixNano(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO saga_instances (saga, aggregate_id, deadline, instance) VALUES (?, ?, ?, ?)
		 ON CONFLICT (saga, aggregate_id) DO UPDATE SET deadline = excluded.deadline, instance = excluded.instance`,
		in.Saga, in.AggregateID, deadline, raw)
	if err != nil {
		return fmt.Errorf("put saga instance: %w", err)
	}
	return nil
}

// Due returns instances whose deadline is before now, ordered by deadline.
func (s *SagaStore) Due(ctx context.Context, now time.Time) ([]saga.Instance, error) {
	return s.queryInstances(ctx,
		`SELECT instance FROM saga_instances WHERE deadline IS NOT NULL AND deadline < ?
		 ORDER BY deadline, saga, aggregate_id`, now.UTC().UnixNano())
}

// List returns every instance of sagaName ordered by aggregate ID.
func (s *SagaStore) List(ctx context.Context, sagaName string) ([]saga.Instance, error) {
	return s.queryInstances(ctx,
		`SELECT instance FROM saga_instances WHERE saga = ? ORDER BY aggregate_id`, sagaName)
}

func (s *SagaStore) queryInstances(ctx context.Context, query string, args ...any) ([]saga.Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query saga instances: %w", err)
	}
	defer rows.Close()

	var out []saga.Instance
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var in saga.Instance
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("decode saga instance: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
