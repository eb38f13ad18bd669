package service

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTickInterval is how often the scheduler checks saga deadlines.
const DefaultTickInterval = time.Second

// Ticker is implemented by SagaManager.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) (int, error)
}

// Scheduler fires saga deadlines on a fixed interval.
type Scheduler struct {
	ticker   Ticker
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a Scheduler. interval <= 0 uses DefaultTickInterval.
func NewScheduler(t Ticker, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Scheduler{
		ticker:   t,
		interval: interval,
		now:      time.Now,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the tick loop. It stops on Stop or when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop ends the loop and waits for it to exit. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-t.C:
			n, err := s.ticker.Tick(ctx, s.now())
			if err != nil {
				s.logger.Error("deadline tick failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("deadlines fired", "count", n)
			}
		}
	}
}
