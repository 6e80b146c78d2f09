package auth

import "context"

type callerKey struct{}

// WithCaller attaches a caller identity to ctx for non-HTTP transports.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the identity WithCaller attached, or "".
func CallerFromContext(ctx context.Context) string {
	s, _ := ctx.Value(callerKey{}).(string)
	return s
}
