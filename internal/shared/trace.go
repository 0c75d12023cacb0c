package shared

import (
	"context"

	"github.com/google/uuid"
)

type correlationKey struct{}
type actorKey struct{}

// WithCorrelationID attaches a correlation_id to the context. Every audit
// event emitted for one logical capability call carries the same id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID extracts the correlation_id from context. Returns "-" if absent.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewCorrelationID generates a fresh correlation_id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// WithActor attaches the calling actor (plan interpreter, CLI user, agent id)
// to the context.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor extracts the actor from context. Returns DefaultActor if absent.
func Actor(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return DefaultActor
}

const DefaultActor = "local"
