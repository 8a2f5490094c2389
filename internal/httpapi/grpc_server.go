package httpapi

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"tenantgate.dev/internal/auth"
	"tenantgate.dev/internal/authz"
	"tenantgate.dev/internal/errs"
	"tenantgate.dev/internal/obs"
)

const healthMethodPrefix = "/grpc.health.v1.Health/"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// HealthServer implements grpc.health.v1 on top of the readiness probe.
type HealthServer struct {
	healthpb.UnimplementedHealthServer

	readiness readinessChecker
	logger    *zap.Logger
}

// NewHealthServer creates the health service wrapper.
func NewHealthServer(r readinessChecker) *HealthServer {
	return &HealthServer{readiness: r, logger: obs.Logger()}
}

// Check evaluates readiness. Only the whole-server service name "" and
// serviceName are known.
func (s *HealthServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if svc := req.GetService(); svc != "" && svc != serviceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", svc)
	}
	if err := s.readiness.Check(ctx); err != nil {
		s.logger.Warn("grpc readiness check failed", zap.Error(err))
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

// NewGRPCServer builds a gRPC server with the health service registered and
// every other method authenticated through resolver.
func NewGRPCServer(resolver *authz.Resolver, r readinessChecker, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(UnaryAuthInterceptor(resolver))}, opts...)
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, NewHealthServer(r))
	return srv
}

// UnaryAuthInterceptor authenticates the "authorization" metadata bearer
// token and attaches the actor to the context. Health methods are public.
func UnaryAuthInterceptor(resolver *authz.Resolver) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthMethodPrefix) {
			return handler(ctx, req)
		}
		var header string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if values := md.Get("authorization"); len(values) > 0 {
				header = values[0]
			}
		}
		token, err := extractBearerToken(header)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		actor, err := resolver.Authenticate(ctx, token)
		if err != nil {
			return nil, grpcError(err)
		}
		ctx = auth.ContextWithToken(withActor(ctx, actor), token)
		return handler(ctx, req)
	}
}

// grpcError maps the error taxonomy to status codes.
func grpcError(err error) error {
	kind := errs.Kind(err)
	if kind == nil {
		obs.Logger().Error("grpc request failed", zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
	msg := strings.TrimPrefix(err.Error(), "errs: ")
	switch kind {
	case errs.ErrUnauthorized:
		return status.Error(codes.Unauthenticated, msg)
	case errs.ErrForbidden:
		return status.Error(codes.PermissionDenied, msg)
	case errs.ErrNotFound:
		return status.Error(codes.NotFound, msg)
	case errs.ErrConflict:
		return status.Error(codes.AlreadyExists, msg)
	default:
		return status.Error(codes.InvalidArgument, msg)
	}
}
