package ordermill

import "context"

type ctxKey int

const correlationIDKey ctxKey = iota

// ContextWithCorrelationID returns a context carrying the correlation ID.
//
// The correlation ID ties every event appended while handling a command back
// to the message that triggered it. The saga orchestrator and the projector
// propagate it from consumed messages; the order repository stamps it on
// appended events.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// CorrelationIDFromContext returns the correlation ID carried by the context,
// or an empty string when there is none.
func CorrelationIDFromContext(ctx context.Context) string {
	id, ok := ctx.Value(correlationIDKey).(string)
	if !ok {
		return ""
	}
	return id
}
