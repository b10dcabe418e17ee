package authz

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// contextKey is an unexported type used for context keys in this package.
// Using a distinct type prevents collisions with keys from other packages.
type contextKey int

const (
	// principalKey stores the authenticated Principal in the context.
	principalKey contextKey = iota
)

// ContextWithPrincipal returns a new context with the given Principal
// attached. The principal can later be retrieved with
// [PrincipalFromContext].
//
// This is called by the HTTP middleware and gRPC interceptors after the
// filter has authorized the request.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext retrieves the Principal from the context.
// Returns the principal and true if present, or nil and false if no
// principal has been set. This function never returns a non-nil
// principal with false.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// MustPrincipalFromContext retrieves the Principal from the context,
// panicking if none is present. Use only in handlers that always run
// behind the authorization middleware.
func MustPrincipalFromContext(ctx context.Context) Principal {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		panic("authz: no principal in context; ensure the authorization middleware is configured")
	}
	return p
}

// TraceIDFromContext extracts the OpenTelemetry trace ID from the
// context. Returns the trace ID as a hex string and true if a valid
// trace is active, or an empty string and false otherwise.
//
// This lets audit log entries be correlated with distributed traces.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasTraceID() {
		return "", false
	}
	return spanCtx.TraceID().String(), true
}
