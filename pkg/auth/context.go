package auth

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type contextKey int

const identityKey contextKey = iota

// ContextWithIdentity returns a copy of ctx carrying id. The HTTP
// middleware and gRPC interceptors call it after a successful Resolve.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id.Clone())
}

// IdentityFromContext returns the identity stored by [ContextWithIdentity].
//
//	id, ok := auth.IdentityFromContext(r.Context())
//	if !ok {
//	    return sserr.Unauthorized("no identity in context")
//	}
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	if !ok {
		return Identity{}, false
	}
	return id.Clone(), true
}

// MustIdentityFromContext is IdentityFromContext for handlers mounted
// behind the middleware. It panics when no identity is present.
func MustIdentityFromContext(ctx context.Context) Identity {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		panic("auth: no identity in context; ensure authentication middleware is configured")
	}
	return id
}

// TraceIDFromContext returns the active trace id, for correlating
// authentication logs with traces.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return "", false
	}
	return sc.TraceID().String(), true
}
