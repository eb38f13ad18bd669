package memory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
	"github.com/Sentinel-Gate/policyledger/internal/port/outbound"
)

// ErrBusClosed is returned when publishing or subscribing on a closed bus.
var ErrBusClosed = errors.New("bus closed")

// Bus implements outbound.Bus in process. Delivery is synchronous: Publish
// returns after every matching handler has run, in subscription order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	order  []uint64
	nextID uint64
	closed bool
	logger *slog.Logger
}

type subscription struct {
	bus     *Bus
	id      uint64
	pattern string
	handler outbound.Handler
}

// NewBus creates an in-process bus. A nil logger discards logs.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{subs: make(map[uint64]*subscription), logger: logger}
}

// Publish delivers rec to every subscriber whose pattern matches subject.
// A panicking handler is logged and does not affect other handlers.
func (b *Bus) Publish(ctx context.Context, subject string, rec event.Record) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	var targets []*subscription
	for _, id := range b.order {
		if s := b.subs[id]; s != nil && event.MatchSubject(s.pattern, subject) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(ctx, s, subject, rec)
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, s *subscription, subject string, rec event.Record) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", "pattern", s.pattern, "subject", subject, "panic", r)
		}
	}()
	s.handler(ctx, subject, rec)
}

// Subscribe registers h for pattern.
func (b *Bus) Subscribe(ctx context.Context, pattern string, h outbound.Handler) (outbound.Subscription, error) {
	if h == nil {
		return nil, errors.New("handler is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	b.nextID++
	s := &subscription{bus: b, id: b.nextID, pattern: pattern, handler: h}
	b.subs[s.id] = s
	b.order = append(b.order, s.id)
	return s, nil
}

// Unsubscribe removes the subscription. Calling it twice is a no-op.
func (s *subscription) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[s.id]; !ok {
		return nil
	}
	delete(b.subs, s.id)
	for i, id := range b.order {
		if id == s.id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return nil
}

// Close drops all subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[uint64]*subscription)
	b.order = nil
	return nil
}

// Compile-time interface verification.
var _ outbound.Bus = (*Bus)(nil)
