package outbound

import (
	"context"

	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
)

// Handler receives a published record. The subject is the one the record
// was published on.
type Handler func(ctx context.Context, subject string, rec event.Record)

// Publisher fans events out to subscribers. Publishing is decoupled from
// append durability: a failed publish never undoes an append.
type Publisher interface {
	Publish(ctx context.Context, subject string, rec event.Record) error
}

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// Subscriber registers handlers for subject patterns. Patterns use '*' for
// exactly one token and a trailing '>' for the remaining tokens.
type Subscriber interface {
	Subscribe(ctx context.Context, pattern string, h Handler) (Subscription, error)
}

// Bus is a publisher and subscriber that can be closed.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}
