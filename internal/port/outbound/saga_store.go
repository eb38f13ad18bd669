package outbound

import (
	"context"
	"time"

	"github.com/Sentinel-Gate/policyledger/internal/domain/saga"
)

// SagaStore persists saga instances keyed by (saga name, aggregate ID).
type SagaStore interface {
	// Get returns false if no instance exists.
	Get(ctx context.Context, sagaName, aggregateID string) (saga.Instance, bool, error)

	// Put creates or replaces an instance.
	Put(ctx context.Context, in saga.Instance) error

	// Due returns instances whose deadline has passed at now.
	Due(ctx context.Context, now time.Time) ([]saga.Instance, error)

	// List returns all instances of a saga, ordered by aggregate ID.
	List(ctx context.Context, sagaName string) ([]saga.Instance, error)
}
