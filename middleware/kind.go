package middleware

import "context"

type kindKey struct{}

// WithKind attaches the job kind resolved by the engine to the context.
// Downstream middleware (logging, metrics, tracing) pick it up so that
// observability is keyed by kind even though the job record itself
// carries only an opaque payload.
func WithKind(ctx context.Context, kind string) context.Context {
	if kind == "" {
		return ctx
	}
	return context.WithValue(ctx, kindKey{}, kind)
}

// KindFrom returns the job kind attached to the context, or "".
func KindFrom(ctx context.Context) string {
	kind, _ := ctx.Value(kindKey{}).(string)
	return kind
}
