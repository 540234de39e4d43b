package auth

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// metadataAuthorization is the gRPC metadata key for the bearer token.
const metadataAuthorization = "authorization"

// UnaryServerInterceptor authenticates unary calls with resolver. Rejected
// credentials yield Unauthenticated; dependency outages yield Unavailable.
func UnaryServerInterceptor(resolver Resolver, logger *slog.Logger) grpc.UnaryServerInterceptor {
	logger = loggerOrDefault(logger)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := authenticateGRPC(ctx, resolver, logger, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming counterpart of
// [UnaryServerInterceptor].
func StreamServerInterceptor(resolver Resolver, logger *slog.Logger) grpc.StreamServerInterceptor {
	logger = loggerOrDefault(logger)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := authenticateGRPC(ss.Context(), resolver, logger, info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

func authenticateGRPC(ctx context.Context, resolver Resolver, logger *slog.Logger, method string) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, status.Error(codes.Unauthenticated, "missing metadata")
	}
	values := md.Get(metadataAuthorization)
	if len(values) == 0 {
		return ctx, status.Error(codes.Unauthenticated, "missing authorization metadata")
	}
	token := ExtractBearerToken(values[0])
	if token == "" {
		return ctx, status.Error(codes.Unauthenticated, "invalid authorization format")
	}

	id, err := resolver.Resolve(ctx, token)
	if err != nil {
		if sserr.IsDependencyFailure(err) {
			logger.WarnContext(ctx, "auth: grpc authentication unavailable", "method", method, "error", err)
			return ctx, status.Error(codes.Unavailable, "authentication temporarily unavailable")
		}
		logger.InfoContext(ctx, "auth: grpc authentication failed",
			"method", method,
			"code", string(sserr.GetCode(err)),
		)
		return ctx, status.Error(codes.Unauthenticated, "token validation failed")
	}
	return ContextWithIdentity(ctx, id), nil
}

// wrappedServerStream overrides Context so handlers see the identity.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
