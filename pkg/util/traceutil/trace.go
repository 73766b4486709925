package traceutil

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type traceIDKey struct{}

// SetTraceID sets the traceID into the context.
func SetTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceID returns the traceID from the context.
func TraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(traceIDKey{}).(string); ok {
		return traceID
	}
	return ""
}

// NewTraceID generates a random trace id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID returns a context carrying a new trace id, unless ctx already carries one.
func WithTraceID(ctx context.Context) context.Context {
	if TraceID(ctx) != "" {
		return ctx
	}
	return SetTraceID(ctx, NewTraceID())
}

// TraceLogField returns a zap field with the trace id in ctx.
func TraceLogField(ctx context.Context) zap.Field {
	return zap.String("trace-id", TraceID(ctx))
}
