package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sentinel-Gate/policyledger/internal/domain/audit"
	"github.com/Sentinel-Gate/policyledger/internal/metrics"
)

const (
	defaultAuditQueue    = 1000
	defaultAuditBatch    = 100
	finalFlushDeadline   = 5 * time.Second
	depthWarningCooldown = time.Second
)

// AuditService is the decision log writer. Commands and evaluations hand it
// records through Record, which never blocks longer than the send timeout;
// a single writer goroutine groups records into batches for the store.
type AuditService struct {
	store  audit.Store
	logger *slog.Logger
	m      *metrics.Metrics

	queue    chan audit.Record
	capacity int
	wg       sync.WaitGroup

	batchSize   int
	interval    time.Duration
	sendTimeout time.Duration

	// Percentages of capacity. Zero disables the behaviour.
	warnAt  int
	hurryAt int

	dropped    atomic.Int64
	lastWarned atomic.Int64
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithBatchSize caps how many records reach the store in one Append.
func WithBatchSize(n int) AuditOption {
	return func(s *AuditService) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithFlushInterval sets the idle flush period.
func WithFlushInterval(d time.Duration) AuditOption {
	return func(s *AuditService) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithChannelSize sets the queue capacity.
func WithChannelSize(n int) AuditOption {
	return func(s *AuditService) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithSendTimeout bounds how long Record waits on a full queue. Zero drops
// immediately.
func WithSendTimeout(d time.Duration) AuditOption {
	return func(s *AuditService) { s.sendTimeout = d }
}

// WithWarningThreshold logs a warning when the queue is at least percent full.
func WithWarningThreshold(percent int) AuditOption {
	return func(s *AuditService) { s.warnAt = clampPercent(percent) }
}

// WithAdaptiveFlushThreshold makes the writer flush early, and tick four times
// faster, while the queue is at least percent full.
func WithAdaptiveFlushThreshold(percent int) AuditOption {
	return func(s *AuditService) { s.hurryAt = clampPercent(percent) }
}

// WithAuditMetrics counts dropped records.
func WithAuditMetrics(m *metrics.Metrics) AuditOption {
	return func(s *AuditService) { s.m = m }
}

func clampPercent(p int) int {
	return min(max(p, 0), 100)
}

// NewAuditService returns a decision log writer over store. Call Start before
// recording.
func NewAuditService(store audit.Store, logger *slog.Logger, opts ...AuditOption) *AuditService {
	s := &AuditService{
		store:       store,
		logger:      logger,
		capacity:    defaultAuditQueue,
		batchSize:   defaultAuditBatch,
		interval:    time.Second,
		sendTimeout: 100 * time.Millisecond,
		warnAt:      80,
		hurryAt:     80,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = make(chan audit.Record, s.capacity)
	return s
}

// Start launches the writer. It stops when ctx is cancelled or Stop is called,
// flushing whatever is queued either way.
func (s *AuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop closes the queue and waits for the writer's final flush. Record must
// not be called afterwards.
func (s *AuditService) Stop() {
	close(s.queue)
	s.wg.Wait()
}

// Record queues r for the store. On a full queue it waits up to the send
// timeout, then drops r and counts the drop.
func (s *AuditService) Record(r audit.Record) {
	if s.warnAt > 0 && s.fill() >= s.warnAt {
		s.warnDepth()
	}

	select {
	case s.queue <- r:
		return
	default:
	}
	if s.sendTimeout <= 0 {
		s.drop(r)
		return
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case s.queue <- r:
	case <-timer.C:
		s.drop(r)
	}
}

// DroppedRecords reports how many records were discarded on a full queue.
func (s *AuditService) DroppedRecords() int64 { return s.dropped.Load() }

// ChannelDepth reports the number of queued records.
func (s *AuditService) ChannelDepth() int { return len(s.queue) }

// ChannelCapacity reports the queue size.
func (s *AuditService) ChannelCapacity() int { return s.capacity }

// fill is the queue depth as a percentage of capacity.
func (s *AuditService) fill() int {
	return len(s.queue) * 100 / s.capacity
}

func (s *AuditService) underPressure() bool {
	return s.hurryAt > 0 && s.fill() >= s.hurryAt
}

func (s *AuditService) drop(r audit.Record) {
	total := s.dropped.Add(1)
	if s.m != nil {
		s.m.AuditDropsTotal.Inc()
	}
	s.logger.Warn("decision log record dropped",
		"kind", r.Kind,
		"target", r.TargetID,
		"total_drops", total,
	)
}

// warnDepth logs at most once per cooldown across all callers.
func (s *AuditService) warnDepth() {
	now := time.Now().UnixNano()
	prev := s.lastWarned.Load()
	if now-prev < int64(depthWarningCooldown) || !s.lastWarned.CompareAndSwap(prev, now) {
		return
	}
	depth := len(s.queue)
	s.logger.Warn("decision log queue filling up",
		"depth", depth,
		"capacity", s.capacity,
		"percent", depth*100/s.capacity,
	)
}

func (s *AuditService) run(ctx context.Context) {
	pending := make([]audit.Record, 0, s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	hurried := false

	write := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		if err := s.store.Append(ctx, pending...); err != nil {
			// The log is best effort; a failed write never fails the caller.
			s.logger.Error("decision log write failed", "error", err, "count", len(pending))
		}
		pending = pending[:0]
	}
	final := func() {
		fctx, cancel := context.WithTimeout(context.Background(), finalFlushDeadline)
		defer cancel()
		write(fctx)
	}

	for {
		select {
		case r, open := <-s.queue:
			if !open {
				final()
				return
			}
			pending = append(pending, r)
			pressured := s.underPressure()
			if len(pending) >= s.batchSize || pressured {
				write(ctx)
			}
			if pressured != hurried {
				hurried = pressured
				next := s.interval
				if hurried {
					next = s.interval / 4
				}
				ticker.Reset(next)
				s.logger.Debug("decision log flush cadence changed", "interval", next, "percent", s.fill())
			}

		case <-ticker.C:
			write(ctx)

		case <-ctx.Done():
			for r := range s.queue {
				pending = append(pending, r)
			}
			final()
			return
		}
	}
}
