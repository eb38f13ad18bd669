// Package metrics defines the Prometheus metric set.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "policyledger"

// Metrics holds all Prometheus metrics for policyledger.
// Pass to components that need to record metrics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	CommandsTotal      *prometheus.CounterVec
	CommandDuration    *prometheus.HistogramVec
	EventsAppended     *prometheus.CounterVec
	ConcurrencyRetries prometheus.Counter
	ReplayedEvents     *prometheus.CounterVec
	LoadDuration       *prometheus.HistogramVec
	SnapshotsWritten   *prometheus.CounterVec
	SnapshotFailures   prometheus.Counter
	PublishFailures    prometheus.Counter
	Evaluations        *prometheus.CounterVec
	ConflictsDetected  prometheus.Counter
	ConflictCacheHits  prometheus.Counter
	SagaTransitions    *prometheus.CounterVec
	SagaDeadlines      *prometheus.CounterVec
	AuditDropsTotal    prometheus.Counter
}

// New creates and registers all metrics with the given registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CommandsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total commands handled",
			},
			[]string{"command", "result"}, // result=accepted/rejected/error
		),
		CommandDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Command handling duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"command"},
		),
		EventsAppended: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_appended_total",
				Help:      "Total events appended to the log",
			},
			[]string{"aggregate"},
		),
		ConcurrencyRetries: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "concurrency_retries_total",
				Help:      "Commands retried after an optimistic concurrency conflict",
			},
		),
		ReplayedEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replayed_events_total",
				Help:      "Events folded while loading aggregates",
			},
			[]string{"aggregate"},
		),
		LoadDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "load_duration_seconds",
				Help:      "Aggregate load duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"aggregate", "snapshot"}, // snapshot=hit/miss
		),
		SnapshotsWritten: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshots_written_total",
				Help:      "Snapshots persisted",
			},
			[]string{"aggregate"},
		),
		SnapshotFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_failures_total",
				Help:      "Snapshot reads or writes that failed and were skipped",
			},
		),
		PublishFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_failures_total",
				Help:      "Events appended but not published",
			},
		),
		Evaluations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluations_total",
				Help:      "Total compliance evaluations",
			},
			[]string{"outcome"},
		),
		ConflictsDetected: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_detected_total",
				Help:      "Conflicts found by detection runs",
			},
		),
		ConflictCacheHits: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflict_cache_hits_total",
				Help:      "Conflict detections served from cache",
			},
		),
		SagaTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "saga_transitions_total",
				Help:      "Saga transitions taken",
			},
			[]string{"saga", "from", "to"},
		),
		SagaDeadlines: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "saga_deadlines_total",
				Help:      "Saga deadlines fired",
			},
			[]string{"saga"},
		),
		AuditDropsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_drops_total",
				Help:      "Total audit records dropped due to backpressure",
			},
		),
	}
}
