// Package reqctx carries the request id and idempotency key through a
// context so that every outgoing collaborator call can forward them.
package reqctx

import "context"

// contextKey is an unexported type for context keys in this package.
// Using a custom type prevents collisions with keys from other packages
// that might use the same underlying string value.
type contextKey string

const (
	HeaderXRequestID      = "X-Request-Id"
	HeaderXIdempotencyKey = "X-Idempotency-Key"

	requestIDKey      contextKey = "request_id"
	idempotencyKeyKey contextKey = "idempotency_key"
)

// WithRequestID returns a copy of ctx carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id stored in ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithIdempotencyKey returns a copy of ctx carrying key.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyKey, key)
}

// IdempotencyKey returns the idempotency key stored in ctx, or "".
func IdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyKey).(string)
	return key
}
