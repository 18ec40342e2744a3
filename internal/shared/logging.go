package shared

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type contextKey string

const cycleIDKey contextKey = "cycle_id"

// NewCycleID returns a fresh identifier for one poll cycle.
func NewCycleID() string {
	return uuid.New().String()
}

// WithCycleID tags ctx with the identifier of the poll cycle in flight.
func WithCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleIDKey, id)
}

// CycleID returns the cycle identifier carried by ctx, or "" when the
// work is not part of a poll cycle (bootstrap, one-shot commands).
func CycleID(ctx context.Context) string {
	id, _ := ctx.Value(cycleIDKey).(string)
	return id
}

// CycleLogger returns logger scoped to the poll cycle in ctx, so every
// line of one cycle carries the same cycle_id field. Outside a cycle
// it returns logger unchanged. Safe to call with a nil logger.
func CycleLogger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if id := CycleID(ctx); id != "" {
		return logger.With(zap.String("cycle_id", id))
	}
	return logger
}
