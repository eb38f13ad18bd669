package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gowebpki/jcs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sentinel-Gate/policyledger/internal/ctxkey"
	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
	"github.com/Sentinel-Gate/policyledger/internal/metrics"
	"github.com/Sentinel-Gate/policyledger/internal/port/outbound"
)

const (
	// DefaultSnapshotInterval is the number of folded events after which
	// Load writes a new snapshot.
	DefaultSnapshotInterval = 100
	// DefaultPageSize is the number of records read per ReadFrom call.
	DefaultPageSize = 200
)

// Aggregate describes how to rebuild one aggregate type from its events.
type Aggregate[S any] struct {
	Type  event.AggregateType
	Apply func(S, event.Event) (S, error)
}

// Versioned is an aggregate state with the sequence of the last folded event.
type Versioned[S any] struct {
	State S
	Seq   uint64
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*repositoryConfig)

type repositoryConfig struct {
	snapshots        outbound.SnapshotStore
	publisher        outbound.Publisher
	namespace        string
	snapshotInterval uint64
	pageSize         int
	metrics          *metrics.Metrics
	now              func() time.Time
}

// WithSnapshots enables snapshotting through store.
func WithSnapshots(store outbound.SnapshotStore, interval int) RepositoryOption {
	return func(c *repositoryConfig) {
		c.snapshots = store
		if interval > 0 {
			c.snapshotInterval = uint64(interval)
		}
	}
}

// WithPublisher publishes appended events on <namespace>.<id>.<type>.
func WithPublisher(p outbound.Publisher, namespace string) RepositoryOption {
	return func(c *repositoryConfig) {
		c.publisher = p
		c.namespace = namespace
	}
}

// WithPageSize sets the ReadFrom page size.
func WithPageSize(n int) RepositoryOption {
	return func(c *repositoryConfig) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithRepositoryMetrics records load, save and snapshot metrics.
func WithRepositoryMetrics(m *metrics.Metrics) RepositoryOption {
	return func(c *repositoryConfig) {
		c.metrics = m
	}
}

// WithRepositoryClock sets the clock used to stamp events.
func WithRepositoryClock(now func() time.Time) RepositoryOption {
	return func(c *repositoryConfig) {
		c.now = now
	}
}

// Repository loads aggregates by replaying the event log from the latest
// snapshot and appends new events with optimistic concurrency.
type Repository[S any] struct {
	agg      Aggregate[S]
	log      outbound.EventLog
	registry *event.Registry
	cfg      repositoryConfig
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewRepository creates a repository for one aggregate type.
func NewRepository[S any](agg Aggregate[S], log outbound.EventLog, registry *event.Registry, logger *slog.Logger, opts ...RepositoryOption) *Repository[S] {
	cfg := repositoryConfig{
		namespace:        event.DefaultNamespace,
		snapshotInterval: DefaultSnapshotInterval,
		pageSize:         DefaultPageSize,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Repository[S]{
		agg:      agg,
		log:      log,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With("aggregate", string(agg.Type)),
		tracer:   otel.Tracer("policyledger/service"),
	}
}

// Load returns the current state of aggregate id. It returns false when the
// aggregate has neither events nor a snapshot, and an *event.OwnershipError
// when id names a stream of another aggregate type. Snapshot failures are
// logged and never fail the load.
func (r *Repository[S]) Load(ctx context.Context, id string) (Versioned[S], bool, error) {
	ctx, span := r.tracer.Start(ctx, "repository.Load", trace.WithAttributes(
		attribute.String("aggregate.type", string(r.agg.Type)),
		attribute.String("aggregate.id", id),
	))
	defer span.End()
	start := time.Now()

	var cur Versioned[S]
	snapSeq, hit := r.restore(ctx, id, &cur)

	folded, err := r.fold(ctx, id, &cur)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Versioned[S]{}, false, err
	}
	span.SetAttributes(attribute.Int64("events.folded", int64(folded)), attribute.Bool("snapshot.hit", hit))
	if r.cfg.metrics != nil {
		label := "miss"
		if hit {
			label = "hit"
		}
		r.cfg.metrics.ReplayedEvents.WithLabelValues(string(r.agg.Type)).Add(float64(folded))
		r.cfg.metrics.LoadDuration.WithLabelValues(string(r.agg.Type), label).Observe(time.Since(start).Seconds())
	}

	if cur.Seq == 0 {
		return Versioned[S]{}, false, nil
	}
	if r.cfg.snapshots != nil && cur.Seq-snapSeq >= r.cfg.snapshotInterval {
		r.snapshot(ctx, id, cur)
	}
	return cur, true, nil
}

// Replay rebuilds aggregate id from its first event, ignoring snapshots.
func (r *Repository[S]) Replay(ctx context.Context, id string) (Versioned[S], bool, error) {
	var cur Versioned[S]
	if _, err := r.fold(ctx, id, &cur); err != nil {
		return Versioned[S]{}, false, err
	}
	return cur, cur.Seq > 0, nil
}

// restore loads the latest usable snapshot into cur. It returns the
// snapshot sequence and whether one was used.
func (r *Repository[S]) restore(ctx context.Context, id string, cur *Versioned[S]) (uint64, bool) {
	if r.cfg.snapshots == nil {
		return 0, false
	}
	snap, ok, err := r.cfg.snapshots.GetLatest(ctx, id)
	if err != nil {
		r.snapshotFailed("snapshot read failed", id, err)
		return 0, false
	}
	if !ok {
		return 0, false
	}
	if snap.AggregateType != r.agg.Type || snap.Checksum != xxhash.Sum64(snap.State) {
		r.snapshotFailed("snapshot rejected", id, errors.New("type or checksum mismatch"))
		return 0, false
	}
	var state S
	if err := json.Unmarshal(snap.State, &state); err != nil {
		r.snapshotFailed("snapshot decode failed", id, err)
		return 0, false
	}
	cur.State = state
	cur.Seq = snap.Seq
	return snap.Seq, true
}

// fold applies records after cur.Seq page by page. On error cur is left
// with the last good state; callers discard it.
func (r *Repository[S]) fold(ctx context.Context, id string, cur *Versioned[S]) (int, error) {
	folded := 0
	state, seq := cur.State, cur.Seq
	for {
		page, err := r.log.ReadFrom(ctx, id, seq+1, r.cfg.pageSize)
		if err != nil {
			return folded, fmt.Errorf("read %s %s: %w", r.agg.Type, id, err)
		}
		for _, rec := range page {
			if err := ctx.Err(); err != nil {
				return folded, err
			}
			if err := event.CheckSequence(id, seq, rec.Seq); err != nil {
				return folded, err
			}
			if rec.AggregateType != r.agg.Type {
				return folded, &event.OwnershipError{AggregateID: id, Want: r.agg.Type, Got: rec.AggregateType}
			}
			e, err := r.registry.Decode(rec)
			if err != nil {
				return folded, fmt.Errorf("decode %s seq %d: %w", id, rec.Seq, err)
			}
			next, err := r.agg.Apply(state, e)
			if err != nil {
				return folded, fmt.Errorf("replay %s seq %d: %w", id, rec.Seq, err)
			}
			state, seq = next, rec.Seq
			folded++
		}
		if len(page) < r.cfg.pageSize {
			break
		}
	}
	cur.State, cur.Seq = state, seq
	return folded, nil
}

// EncodeState returns the canonical JSON encoding of state and its checksum.
func EncodeState[S any](state S) ([]byte, uint64, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, 0, err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, 0, err
	}
	return canonical, xxhash.Sum64(canonical), nil
}

func (r *Repository[S]) snapshot(ctx context.Context, id string, cur Versioned[S]) {
	state, sum, err := EncodeState(cur.State)
	if err != nil {
		r.snapshotFailed("snapshot encode failed", id, err)
		return
	}
	snap := outbound.Snapshot{
		AggregateID:   id,
		AggregateType: r.agg.Type,
		Seq:           cur.Seq,
		State:         state,
		Checksum:      sum,
		CreatedAt:     r.cfg.now().UTC(),
	}
	if err := r.cfg.snapshots.Put(ctx, snap); err != nil {
		r.snapshotFailed("snapshot write failed", id, err)
		return
	}
	if r.cfg.metrics != nil {
		r.cfg.metrics.SnapshotsWritten.WithLabelValues(string(r.agg.Type)).Inc()
	}
	r.logger.Debug("snapshot written", "id", id, "seq", cur.Seq)
}

func (r *Repository[S]) snapshotFailed(msg, id string, err error) {
	if r.cfg.metrics != nil {
		r.cfg.metrics.SnapshotFailures.Inc()
	}
	r.logger.Warn(msg, "id", id, "error", err)
}

// Save appends payloads to aggregate id after expectedSeq and publishes
// them. It returns the stored events. A stale expectedSeq yields an
// *event.ConflictError.
func (r *Repository[S]) Save(ctx context.Context, id string, expectedSeq uint64, payloads ...event.Payload) ([]event.Event, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	ctx, span := r.tracer.Start(ctx, "repository.Save", trace.WithAttributes(
		attribute.String("aggregate.type", string(r.agg.Type)),
		attribute.String("aggregate.id", id),
		attribute.Int("events", len(payloads)),
	))
	defer span.End()

	now := r.cfg.now()
	correlation := ctxkey.CorrelationID(ctx)
	events := make([]event.Event, len(payloads))
	records := make([]event.Record, len(payloads))
	for i, p := range payloads {
		if owner, _ := event.Owner(p.EventType()); owner != r.agg.Type {
			return nil, fmt.Errorf("%w: %s is not a %s event", event.ErrUnknownType, p.EventType(), r.agg.Type)
		}
		e := event.New(id, expectedSeq+uint64(i)+1, now, p)
		e.CorrelationID = correlation
		rec, err := r.registry.Encode(e)
		if err != nil {
			return nil, err
		}
		events[i], records[i] = e, rec
	}

	if _, err := r.log.Append(ctx, id, expectedSeq, records); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if r.cfg.metrics != nil {
		r.cfg.metrics.EventsAppended.WithLabelValues(string(r.agg.Type)).Add(float64(len(records)))
	}

	r.publish(ctx, records)
	return events, nil
}

// publish fans out appended records. Failures are logged and counted; the
// append has already succeeded.
func (r *Repository[S]) publish(ctx context.Context, records []event.Record) {
	if r.cfg.publisher == nil {
		return
	}
	for _, rec := range records {
		subject := event.Subject(r.cfg.namespace, rec.AggregateID, rec.Type)
		if err := r.cfg.publisher.Publish(ctx, subject, rec); err != nil {
			if r.cfg.metrics != nil {
				r.cfg.metrics.PublishFailures.Inc()
			}
			r.logger.Warn("publish failed", "subject", subject, "error", err)
		}
	}
}
