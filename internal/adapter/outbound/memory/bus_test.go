package memory

import (
	"context"
	"testing"

	"github.com/Sentinel-Gate/policyledger/internal/domain/event"
)

func TestBus_PatternRouting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := NewBus(nil)
	defer b.Close()

	var all, p1, activated []string
	_, _ = b.Subscribe(ctx, event.AllPattern(""), func(_ context.Context, subj string, _ event.Record) { all = append(all, subj) })
	_, _ = b.Subscribe(ctx, event.AggregatePattern("", "p1"), func(_ context.Context, subj string, _ event.Record) { p1 = append(p1, subj) })
	_, _ = b.Subscribe(ctx, event.TypePattern("", event.TypePolicyActivated), func(_ context.Context, subj string, _ event.Record) {
		activated = append(activated, subj)
	})

	_ = b.Publish(ctx, event.Subject("", "p1", event.TypePolicyCreated), event.Record{})
	_ = b.Publish(ctx, event.Subject("", "p2", event.TypePolicyActivated), event.Record{})
	_ = b.Publish(ctx, event.Subject("", "p1", event.TypePolicyActivated), event.Record{})

	if len(all) != 3 {
		t.Errorf("all received %d, want 3", len(all))
	}
	if len(p1) != 2 {
		t.Errorf("p1 received %d, want 2", len(p1))
	}
	if len(activated) != 2 {
		t.Errorf("activated received %d, want 2", len(activated))
	}
}

func TestBus_UnsubscribeAndPanic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := NewBus(nil)

	got := 0
	_, _ = b.Subscribe(ctx, ">", func(context.Context, string, event.Record) { panic("boom") })
	sub, _ := b.Subscribe(ctx, ">", func(context.Context, string, event.Record) { got++ })

	if err := b.Publish(ctx, "a.b", event.Record{}); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if got != 1 {
		t.Fatalf("got = %d, want 1 despite panicking handler", got)
	}

	_ = sub.Unsubscribe()
	_ = sub.Unsubscribe()
	_ = b.Publish(ctx, "a.b", event.Record{})
	if got != 1 {
		t.Errorf("got = %d after Unsubscribe, want 1", got)
	}

	_ = b.Close()
	if err := b.Publish(ctx, "a.b", event.Record{}); err != ErrBusClosed {
		t.Errorf("Publish() after Close = %v", err)
	}
}
