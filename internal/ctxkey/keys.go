// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

import (
	"context"
	"log/slog"
)

// LoggerKey is the context key type for a logger enriched with request fields.
type LoggerKey struct{}

// CorrelationIDKey is the context key type for the correlation ID stamped on
// every event produced while handling a command chain.
type CorrelationIDKey struct{}

// ActorKey is the context key type for the actor issuing commands.
type ActorKey struct{}

// WithCorrelationID returns a context carrying id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey{}, id)
}

// CorrelationID returns the correlation ID in ctx, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(CorrelationIDKey{}).(string)
	return id
}

// WithActor returns a context carrying the acting principal.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ActorKey{}, actor)
}

// Actor returns the actor in ctx, or "".
func Actor(ctx context.Context) string {
	a, _ := ctx.Value(ActorKey{}).(string)
	return a
}

// WithLogger returns a context carrying logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey{}, logger)
}

// Logger returns the logger in ctx, or slog.Default().
func Logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
