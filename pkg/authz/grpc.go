package authz

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	sserr "github.com/helixmed/authgate/pkg/errors"
)

// metadataAuthorization is the incoming metadata key carrying the
// bearer token on gRPC calls.
const metadataAuthorization = "authorization"

// UnaryServerInterceptor returns a gRPC unary server interceptor that
// authorizes every call through the filter.
//
// The interceptor performs the following steps:
//  1. Passes allow-listed methods through untouched
//  2. Extracts the bearer token from the "authorization" metadata
//  3. Matches the full method name against the route table
//  4. Authorizes the token through the [Filter]
//  5. Stores the resulting [Principal] in the call context
//
// Authorization failures are returned as gRPC status errors with codes
// mapped from the error taxonomy.
func UnaryServerInterceptor(filter *Filter, table *RouteTable) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, err := authorizeGRPC(ctx, filter, table, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor returns a gRPC stream server interceptor that
// performs the same authorization steps as [UnaryServerInterceptor],
// wrapping the stream to carry the enriched context.
func StreamServerInterceptor(filter *Filter, table *RouteTable) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, err := authorizeGRPC(ss.Context(), filter, table, info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

// authorizeGRPC extracts the bearer token from incoming metadata,
// authorizes it against the route matching the full method name, and
// enriches the context with the principal.
func authorizeGRPC(ctx context.Context, filter *Filter, table *RouteTable, fullMethod string) (context.Context, error) {
	if table.AllowAnonymous(fullMethod) {
		return ctx, nil
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, status.Error(codes.Unauthenticated, "missing metadata")
	}
	values := md.Get(metadataAuthorization)
	if len(values) == 0 {
		return ctx, status.Error(codes.Unauthenticated, "missing authorization metadata")
	}
	tok := ExtractBearerToken(values[0])
	if tok == "" {
		return ctx, status.Error(codes.Unauthenticated, "invalid authorization format")
	}

	route := table.Match("", fullMethod)
	principal, err := filter.Authorize(ctx, tok, route)
	if err != nil {
		return ctx, grpcStatusFor(err)
	}

	return ContextWithPrincipal(ctx, principal), nil
}

// grpcStatusFor maps an authorization error onto a gRPC status error.
// Internal details are not leaked to the caller.
func grpcStatusFor(err error) error {
	structured, ok := sserr.AsError(err)
	if !ok {
		return status.Error(codes.Internal, "authorization failed")
	}
	switch {
	case sserr.IsAuthentication(err):
		return status.Error(codes.Unauthenticated, structured.Message)
	case sserr.IsAuthorization(err):
		return status.Error(codes.PermissionDenied, structured.Message)
	case sserr.IsTimeout(err):
		return status.Error(codes.DeadlineExceeded, "authorization timed out")
	case sserr.IsUnavailable(err):
		return status.Error(codes.Unavailable, "authorization backend unavailable")
	default:
		return status.Error(codes.Internal, "authorization failed")
	}
}

// wrappedServerStream wraps a grpc.ServerStream to override its Context
// method, so handlers see the context enriched with the principal.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context containing the principal.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
