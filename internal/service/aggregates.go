package service

import (
	"log/slog"

	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
	"github.com/Sentinel-Gate/policyledger/internal/domain/exemption"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policy"
	"github.com/Sentinel-Gate/policyledger/internal/domain/policyset"
	"github.com/Sentinel-Gate/policyledger/internal/port/outbound"
)

// Aggregate descriptors for the three aggregate types.
var (
	PolicyAggregate    = Aggregate[policy.Policy]{Type: event.AggregatePolicy, Apply: policy.Apply}
	PolicySetAggregate = Aggregate[policyset.PolicySet]{Type: event.AggregatePolicySet, Apply: policyset.Apply}
	ExemptionAggregate = Aggregate[exemption.Exemption]{Type: event.AggregateExemption, Apply: exemption.Apply}
)

// NewEventRegistry returns a registry holding every event payload.
func NewEventRegistry() (*event.Registry, error) {
	reg := event.NewRegistry()
	for _, register := range []func(*event.Registry) error{
		policy.RegisterEvents,
		policyset.RegisterEvents,
		exemption.RegisterEvents,
	} {
		if err := register(reg); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// NewRepositories builds the three repositories over one event log.
func NewRepositories(log outbound.EventLog, registry *event.Registry, logger *slog.Logger, opts ...RepositoryOption) Repositories {
	return Repositories{
		Policies:   NewRepository(PolicyAggregate, log, registry, logger, opts...),
		Sets:       NewRepository(PolicySetAggregate, log, registry, logger, opts...),
		Exemptions: NewRepository(ExemptionAggregate, log, registry, logger, opts...),
	}
}
