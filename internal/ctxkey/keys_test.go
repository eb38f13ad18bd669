package ctxkey

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func TestCorrelationID(t *testing.T) {
	ctx := context.Background()
	if got := CorrelationID(ctx); got != "" {
		t.Errorf("CorrelationID() = %q, want empty", got)
	}
	ctx = WithCorrelationID(ctx, "corr-1")
	if got := CorrelationID(ctx); got != "corr-1" {
		t.Errorf("CorrelationID() = %q, want corr-1", got)
	}
}

func TestActor(t *testing.T) {
	ctx := WithActor(context.Background(), "alice")
	if got := Actor(ctx); got != "alice" {
		t.Errorf("Actor() = %q, want alice", got)
	}
	if got := Actor(context.Background()); got != "" {
		t.Errorf("Actor() = %q, want empty", got)
	}
}

func TestLogger(t *testing.T) {
	if Logger(context.Background()) != slog.Default() {
		t.Error("Logger() without a stored logger should return slog.Default()")
	}
	l := slog.New(slog.NewTextHandler(io.Discard, nil))
	if Logger(WithLogger(context.Background(), l)) != l {
		t.Error("Logger() did not return the stored logger")
	}
}
