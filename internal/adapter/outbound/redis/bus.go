// Package redis fans event records out over Redis pub/sub.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
	"github.com/Sentinel-Gate/policyledger/internal/port/outbound"
)

// ErrBusClosed is returned when publishing or subscribing on a closed bus.
var ErrBusClosed = errors.New("redis bus closed")

var _ outbound.Bus = (*Bus)(nil)

// Options configure the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Dial connects to Redis and pings it within two seconds.
func Dial(ctx context.Context, opts Options) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return client, nil
}

// Bus publishes records as JSON on their subject channel and subscribes
// with PSUBSCRIBE. Delivery is asynchronous and at most once.
type Bus struct {
	client *goredis.Client
	logger *slog.Logger

	// ctx is handed to handlers and cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// NewBus wraps client. Close closes the client too.
func NewBus(client *goredis.Client, logger *slog.Logger) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		client: client,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[*subscription]struct{}),
	}
}

// Publish sends rec on the channel named subject.
func (b *Bus) Publish(ctx context.Context, subject string, rec event.Record) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := b.client.Publish(ctx, subject, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers h for pattern. It returns once Redis has confirmed
// the subscription.
func (b *Bus) Subscribe(ctx context.Context, pattern string, h outbound.Handler) (outbound.Subscription, error) {
	if h == nil {
		return nil, errors.New("handler is required")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.mu.Unlock()

	ps := b.client.PSubscribe(ctx, Glob(pattern))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("psubscribe %s: %w", pattern, err)
	}

	s := &subscription{bus: b, pattern: pattern, ps: ps, done: make(chan struct{})}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return nil, ErrBusClosed
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.loop(h)
	return s, nil
}

// Close stops every subscription and closes the client.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = map[*subscription]struct{}{}
	b.mu.Unlock()

	b.cancel()
	var errs []error
	for _, s := range subs {
		errs = append(errs, s.stop())
	}
	errs = append(errs, b.client.Close())
	return errors.Join(errs...)
}

type subscription struct {
	bus     *Bus
	pattern string
	ps      *goredis.PubSub
	done    chan struct{}
	once    sync.Once
	err     error
}

func (s *subscription) loop(h outbound.Handler) {
	defer close(s.done)
	for msg := range s.ps.Channel() {
		// Redis '*' also matches dots, so the subject is checked again.
		if !event.MatchSubject(s.pattern, msg.Channel) {
			continue
		}
		var rec event.Record
		if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
			s.bus.logger.Warn("dropping undecodable message", "subject", msg.Channel, "error", err)
			continue
		}
		s.deliver(h, msg.Channel, rec)
	}
}

func (s *subscription) deliver(h outbound.Handler, subject string, rec event.Record) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.Error("subscriber panicked", "pattern", s.pattern, "subject", subject, "panic", r)
		}
	}()
	h(s.bus.ctx, subject, rec)
}

func (s *subscription) stop() error {
	s.once.Do(func() {
		s.err = s.ps.Close()
		<-s.done
	})
	return s.err
}

// Unsubscribe closes the subscription and waits for its delivery loop.
func (s *subscription) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	return s.stop()
}

// Glob converts a subject pattern to a Redis PSUBSCRIBE glob. Glob
// metacharacters in literal tokens are escaped.
func Glob(pattern string) string {
	tokens := strings.Split(pattern, ".")
	for i, tok := range tokens {
		switch tok {
		case "*", ">":
			tokens[i] = "*"
		default:
			tokens[i] = globEscaper.Replace(tok)
		}
	}
	return strings.Join(tokens, ".")
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
