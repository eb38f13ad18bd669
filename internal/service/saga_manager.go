package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/Sentinel-Gate/policyledger/internal/ctxkey"
	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
	"github.com/Sentinel-Gate/policyledger/internal/domain/exemption"
	"github.com/Sentinel-Gate/policyledger/internal/domain/saga"
	"github.com/Sentinel-Gate/policyledger/internal/metrics"
	"github.com/Sentinel-Gate/policyledger/internal/port/outbound"
)

// ErrUnknownSaga is returned when a signal names an unregistered saga.
var ErrUnknownSaga = errors.New("unknown saga")

// seqKey records the last event seq an instance consumed, so redelivered
// events are ignored.
const seqKey = "event_seq"

type sagaJob struct {
	// saga is empty for event jobs, which fan out to every matching definition.
	saga        string
	aggregateID string
	sig         saga.Signal
}

// SagaManager drives saga instances from events, signals and deadlines and
// dispatches the commands they emit.
//
// Inputs are queued and processed one at a time by Run or Drain. Bus
// handlers only enqueue, so a command dispatched by a saga may publish
// synchronously without re-entering the manager.
type SagaManager struct {
	defs     map[string]*saga.Definition
	names    []string
	store    outbound.SagaStore
	commands *CommandService
	registry *event.Registry
	metrics  *metrics.Metrics
	steps    otelmetric.Int64Counter
	logger   *slog.Logger

	mu     sync.Mutex
	queue  []sagaJob
	notify chan struct{}

	// proc serialises job processing between Run and Drain.
	proc sync.Mutex
}

// NewSagaManager creates a manager for defs. Every definition is validated.
func NewSagaManager(defs []*saga.Definition, store outbound.SagaStore, commands *CommandService, registry *event.Registry, m *metrics.Metrics, logger *slog.Logger) (*SagaManager, error) {
	mgr := &SagaManager{
		defs:     make(map[string]*saga.Definition, len(defs)),
		store:    store,
		commands: commands,
		registry: registry,
		metrics:  m,
		logger:   logger,
		notify:   make(chan struct{}, 1),
	}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := mgr.defs[d.Name]; dup {
			return nil, fmt.Errorf("saga %q registered twice", d.Name)
		}
		mgr.defs[d.Name] = d
		mgr.names = append(mgr.names, d.Name)
	}
	sort.Strings(mgr.names)

	steps, err := otel.Meter("policyledger/saga").Int64Counter("saga.steps",
		otelmetric.WithDescription("Saga transitions taken"))
	if err != nil {
		logger.Warn("saga step counter unavailable", "error", err)
		steps = noop.Int64Counter{}
	}
	mgr.steps = steps
	return mgr, nil
}

// Attach subscribes the manager to every event in namespace.
func (m *SagaManager) Attach(ctx context.Context, sub outbound.Subscriber, namespace string) (outbound.Subscription, error) {
	return sub.Subscribe(ctx, event.AllPattern(namespace), func(_ context.Context, subject string, rec event.Record) {
		e, err := m.registry.Decode(rec)
		if err != nil {
			m.logger.Warn("saga manager: undecodable record", "subject", subject, "error", err)
			return
		}
		m.HandleEvent(e)
	})
}

// HandleEvent queues e for every saga driven by its aggregate type.
func (m *SagaManager) HandleEvent(e event.Event) {
	m.enqueue(sagaJob{aggregateID: e.AggregateID, sig: saga.FromEvent(e)})
}

// Signal queues an external signal for one saga instance.
func (m *SagaManager) Signal(_ context.Context, sagaName, aggregateID string, sig saga.Signal) error {
	if _, ok := m.defs[sagaName]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSaga, sagaName)
	}
	if sig.At.IsZero() {
		sig.At = time.Now()
	}
	m.enqueue(sagaJob{saga: sagaName, aggregateID: aggregateID, sig: sig})
	return nil
}

// Tick queues a deadline signal for every instance due at now and returns
// how many were queued.
func (m *SagaManager) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := m.store.Due(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, in := range due {
		m.enqueue(sagaJob{saga: in.Saga, aggregateID: in.AggregateID, sig: saga.Signal{Trigger: saga.TriggerDeadline, At: now}})
	}
	return len(due), nil
}

// Instances lists the instances of one saga.
func (m *SagaManager) Instances(ctx context.Context, sagaName string) ([]saga.Instance, error) {
	return m.store.List(ctx, sagaName)
}

// Instance returns one saga instance.
func (m *SagaManager) Instance(ctx context.Context, sagaName, aggregateID string) (saga.Instance, bool, error) {
	return m.store.Get(ctx, sagaName, aggregateID)
}

func (m *SagaManager) enqueue(j sagaJob) {
	m.mu.Lock()
	m.queue = append(m.queue, j)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *SagaManager) pop() (sagaJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return sagaJob{}, false
	}
	j := m.queue[0]
	m.queue[0] = sagaJob{}
	m.queue = m.queue[1:]
	return j, true
}

// Pending returns the number of queued inputs.
func (m *SagaManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Drain processes queued inputs in the calling goroutine until the queue is
// empty, including inputs queued by the commands it dispatches.
func (m *SagaManager) Drain(ctx context.Context) error {
	m.proc.Lock()
	defer m.proc.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		j, ok := m.pop()
		if !ok {
			return nil
		}
		m.process(ctx, j)
	}
}

// Run processes inputs until ctx is cancelled.
func (m *SagaManager) Run(ctx context.Context) {
	for {
		if err := m.Drain(ctx); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-m.notify:
		}
	}
}

func (m *SagaManager) process(ctx context.Context, j sagaJob) {
	if j.saga != "" {
		m.step(ctx, m.defs[j.saga], j.aggregateID, j.sig)
		return
	}
	owner, _ := event.Owner(j.sig.Event.Type)
	for _, name := range m.names {
		if d := m.defs[name]; d.Aggregate == owner {
			m.step(ctx, d, j.aggregateID, j.sig)
		}
	}
}

func (m *SagaManager) step(ctx context.Context, d *saga.Definition, aggregateID string, sig saga.Signal) {
	logger := m.logger.With("saga", d.Name, "aggregate_id", aggregateID, "trigger", sig.Trigger)

	in, found, err := m.store.Get(ctx, d.Name, aggregateID)
	if err != nil {
		logger.Error("load saga instance", "error", err)
		return
	}
	if !found {
		if sig.Event == nil || !d.Starts(sig.Trigger) {
			return
		}
		in = d.Start(aggregateID, sig.At)
	}
	if sig.Event != nil {
		if last, _ := strconv.ParseUint(in.Data[seqKey], 10, 64); sig.Event.Seq <= last {
			logger.Debug("ignoring redelivered event", "seq", sig.Event.Seq)
			return
		}
	}
	if sig.Trigger == saga.TriggerDeadline && !in.Due(sig.At) {
		return
	}

	next, cmds, ok := d.Step(in, sig)
	if !ok {
		return
	}
	if sig.Event != nil {
		next.Data[seqKey] = strconv.FormatUint(sig.Event.Seq, 10)
	}
	if err := m.store.Put(ctx, next); err != nil {
		logger.Error("store saga instance", "error", err)
		return
	}

	logger.Debug("saga transition", "from", in.State, "to", next.State, "commands", len(cmds))
	m.steps.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("saga", d.Name), attribute.String("to", string(next.State))))
	if m.metrics != nil {
		m.metrics.SagaTransitions.WithLabelValues(d.Name, string(in.State), string(next.State)).Inc()
		if sig.Trigger == saga.TriggerDeadline {
			m.metrics.SagaDeadlines.WithLabelValues(d.Name).Inc()
		}
	}

	cctx := ctxkey.WithActor(ctx, "saga:"+d.Name)
	if sig.Event != nil && sig.Event.CorrelationID != "" {
		cctx = ctxkey.WithCorrelationID(cctx, sig.Event.CorrelationID)
	}
	for _, cmd := range cmds {
		if _, err := m.commands.Handle(cctx, cmd); err != nil {
			if errors.Is(err, exemption.ErrNotYetExpired) {
				logger.Debug("saga command deferred", "command", cmd.CommandType(), "error", err)
				continue
			}
			logger.Warn("saga command failed", "command", cmd.CommandType(), "error", err)
		}
	}
}
