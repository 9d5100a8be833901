package core

import "context"

type requestIDKey struct{}

// WithRequestID attaches the per-request identifier. The id doubles as the
// trace id on outbound hub calls and as the billing idempotency key.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request id or "" when none was attached.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
