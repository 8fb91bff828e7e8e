package internal

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ctxKey string

const (
	ContextUserKey        ctxKey = "userID"
	ContextCorrelationKey ctxKey = "correlationID"
)

// SystemActor is recorded for changes made by schedulers and workers.
const SystemActor = "SYSTEM"

func UserIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if userID, ok := ctx.Value(ContextUserKey).(string); ok {
		return userID
	}
	return ""
}

func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ContextUserKey, userID)
}

// ActorFromContext falls back to SystemActor outside a request.
func ActorFromContext(ctx context.Context) string {
	if id := UserIDFromContext(ctx); id != "" {
		return id
	}
	return SystemActor
}

func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(ContextCorrelationKey).(string); ok {
		return id
	}
	return ""
}

func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextCorrelationKey, id)
}

// EnsureCorrelationID returns ctx unchanged when it already carries an id.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := CorrelationIDFromContext(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return ContextWithCorrelationID(ctx, id), id
}

// WithTimeout returns a context with timeout, defaulting to 5 seconds if duration is zero or negative.
func WithTimeout(ctx context.Context, duration time.Duration) (context.Context, context.CancelFunc) {
	if duration <= 0 {
		duration = 5 * time.Second
	}
	return context.WithTimeout(ctx, duration)
}
