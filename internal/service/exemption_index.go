package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
	"github.com/Sentinel-Gate/policyledger/internal/domain/exemption"
	"github.com/Sentinel-Gate/policyledger/internal/port/outbound"
)

const scanPageSize = 500

// ExemptionIndex is a projection from policy ID to the exemptions granted
// for it. Exemption state itself is always loaded from the repository.
type ExemptionIndex struct {
	mu       sync.RWMutex
	byPolicy map[string][]string
	position uint64

	repo     *Repository[exemption.Exemption]
	registry *event.Registry
	logger   *slog.Logger
}

// NewExemptionIndex creates an empty index that loads exemptions from repo.
func NewExemptionIndex(repo *Repository[exemption.Exemption], registry *event.Registry, logger *slog.Logger) *ExemptionIndex {
	return &ExemptionIndex{
		byPolicy: make(map[string][]string),
		repo:     repo,
		registry: registry,
		logger:   logger,
	}
}

// Rebuild scans the whole log from the last seen position.
func (x *ExemptionIndex) Rebuild(ctx context.Context, scanner outbound.EventScanner) error {
	for {
		x.mu.RLock()
		after := x.position
		x.mu.RUnlock()

		page, err := scanner.Scan(ctx, after, scanPageSize)
		if err != nil {
			return err
		}
		for _, rec := range page {
			x.apply(rec)
		}
		if len(page) < scanPageSize {
			return nil
		}
	}
}

// Follow keeps the index current from the bus.
func (x *ExemptionIndex) Follow(ctx context.Context, sub outbound.Subscriber, namespace string) (outbound.Subscription, error) {
	return sub.Subscribe(ctx, event.TypePattern(namespace, event.TypeExemptionGranted), func(_ context.Context, _ string, rec event.Record) {
		x.apply(rec)
	})
}

func (x *ExemptionIndex) apply(rec event.Record) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if rec.Position > x.position {
		x.position = rec.Position
	}
	if rec.Type != event.TypeExemptionGranted {
		return
	}
	e, err := x.registry.Decode(rec)
	if err != nil {
		x.logger.Warn("exemption index: undecodable record", "id", rec.ID, "error", err)
		return
	}
	g, ok := e.Payload.(exemption.Granted)
	if !ok {
		return
	}
	ids := x.byPolicy[g.PolicyID]
	i := sort.SearchStrings(ids, rec.AggregateID)
	if i < len(ids) && ids[i] == rec.AggregateID {
		return
	}
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = rec.AggregateID
	x.byPolicy[g.PolicyID] = ids
}

// IDs returns the exemption IDs granted for policyID, sorted.
func (x *ExemptionIndex) IDs(policyID string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]string(nil), x.byPolicy[policyID]...)
}

// ForPolicies loads the exemptions of the given policies in ID order.
func (x *ExemptionIndex) ForPolicies(ctx context.Context, policyIDs ...string) ([]exemption.Exemption, error) {
	var out []exemption.Exemption
	for _, pid := range policyIDs {
		for _, id := range x.IDs(pid) {
			v, ok, err := x.repo.Load(ctx, id)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, v.State)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// All loads every indexed exemption.
func (x *ExemptionIndex) All(ctx context.Context) ([]exemption.Exemption, error) {
	x.mu.RLock()
	policies := make([]string, 0, len(x.byPolicy))
	for pid := range x.byPolicy {
		policies = append(policies, pid)
	}
	x.mu.RUnlock()
	return x.ForPolicies(ctx, policies...)
}
