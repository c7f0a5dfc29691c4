package cqrs

import "context"

type ctxKey int

const idempotencyKeyCtxKey ctxKey = iota

// ContextWithIdempotencyKey attaches an idempotency key to the context.
// The bus itself never deduplicates; outer layers (a transport boundary,
// a message deduplicator) may use the key to drop repeated sends.
func ContextWithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtxKey, key)
}

// IdempotencyKeyFromContext returns the idempotency key attached to the
// context, or an empty string.
func IdempotencyKeyFromContext(ctx context.Context) string {
	key, ok := ctx.Value(idempotencyKeyCtxKey).(string)
	if !ok {
		return ""
	}
	return key
}
