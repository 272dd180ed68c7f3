package core

import (
	"context"

	"github.com/google/uuid"
)

type poolIDKey struct{}

// GeneratePoolID generates a unique identifier for a pool instance.
// Distributed transports use it to namespace their subjects so several
// pools can share one broker.
func GeneratePoolID() string {
	return uuid.New().String()
}

// WithPoolID attaches a pool ID to the context.
func WithPoolID(ctx context.Context, poolID string) context.Context {
	return context.WithValue(ctx, poolIDKey{}, poolID)
}

// GetPoolID retrieves the pool ID from the context, or "" if absent.
func GetPoolID(ctx context.Context) string {
	if id, ok := ctx.Value(poolIDKey{}).(string); ok {
		return id
	}
	return ""
}
