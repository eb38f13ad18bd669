package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Sentinel-Gate/policyledger/internal/domain/saga"
	"github.com/Sentinel-Gate/policyledger/internal/port/outbound"
)

type sagaKey struct {
	saga        string
	aggregateID string
}

// SagaStore implements outbound.SagaStore with an in-memory map.
type SagaStore struct {
	mu        sync.RWMutex
	instances map[sagaKey]saga.Instance
}

// NewSagaStore creates an empty in-memory saga store.
func NewSagaStore() *SagaStore {
	return &SagaStore{instances: make(map[sagaKey]saga.Instance)}
}

// Get returns the instance for (sagaName, aggregateID).
func (s *SagaStore) Get(ctx context.Context, sagaName, aggregateID string) (saga.Instance, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.instances[sagaKey{sagaName, aggregateID}]
	if !ok {
		return saga.Instance{}, false, nil
	}
	return copyInstance(in), true, nil
}

// Put creates or replaces an instance.
func (s *SagaStore) Put(ctx context.Context, in saga.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instances[sagaKey{in.Saga, in.AggregateID}] = copyInstance(in)
	return nil
}

// Due returns instances whose deadline has passed, ordered by deadline.
func (s *SagaStore) Due(ctx context.Context, now time.Time) ([]saga.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []saga.Instance
	for _, in := range s.instances {
		if in.Due(now) {
			out = append(out, copyInstance(in))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Deadline.Equal(*out[j].Deadline) {
			return out[i].Deadline.Before(*out[j].Deadline)
		}
		if out[i].Saga != out[j].Saga {
			return out[i].Saga < out[j].Saga
		}
		return out[i].AggregateID < out[j].AggregateID
	})
	return out, nil
}

// List returns every instance of sagaName ordered by aggregate ID.
func (s *SagaStore) List(ctx context.Context, sagaName string) ([]saga.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []saga.Instance
	for k, in := range s.instances {
		if k.saga == sagaName {
			out = append(out, copyInstance(in))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AggregateID < out[j].AggregateID })
	return out, nil
}

func copyInstance(in saga.Instance) saga.Instance {
	out := in
	out.Data = make(map[string]string, len(in.Data))
	for k, v := range in.Data {
		out.Data[k] = v
	}
	if in.Deadline != nil {
		d := *in.Deadline
		out.Deadline = &d
	}
	return out
}

// Compile-time interface verification.
var _ outbound.SagaStore = (*SagaStore)(nil)
