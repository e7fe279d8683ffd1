package httpapi

import (
	"context"
	"errors"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"revealguard.org/internal/auth"
	"revealguard.org/internal/errs"
	"revealguard.org/internal/obs"
	"revealguard.org/internal/policy"
	"revealguard.org/internal/reveal"
)

const (
	revealServiceName    = "revealguard.v1.RevealService"
	methodCheckCanReveal = "/" + revealServiceName + "/CheckCanReveal"
	methodReveal         = "/" + revealServiceName + "/Reveal"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// RevealServiceServer is the gRPC surface of the reveal pipeline. Messages are
// google.protobuf.Struct with the same keys as the HTTP JSON bodies.
type RevealServiceServer interface {
	CheckCanReveal(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Reveal(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var revealServiceDesc = grpc.ServiceDesc{
	ServiceName: revealServiceName,
	HandlerType: (*RevealServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CheckCanReveal", Handler: unaryHandler(methodCheckCanReveal, RevealServiceServer.CheckCanReveal)},
		{MethodName: "Reveal", Handler: unaryHandler(methodReveal, RevealServiceServer.Reveal)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "revealguard/v1/reveal.proto",
}

func unaryHandler(fullMethod string, call func(RevealServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RevealServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RevealServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GRPCServer implements grpc.health.v1.Health and revealguard.v1.RevealService.
type GRPCServer struct {
	healthpb.UnimplementedHealthServer

	readiness readinessChecker
	reveal    *reveal.Service
}

func NewGRPCServer(r readinessChecker, svc *reveal.Service) *GRPCServer {
	return &GRPCServer{
		readiness: r,
		reveal:    svc,
	}
}

// Register attaches both services to server.
func (s *GRPCServer) Register(server *grpc.Server) {
	healthpb.RegisterHealthServer(server, s)
	server.RegisterService(&revealServiceDesc, s)
}

// NewServer builds a grpc.Server with bearer authentication for the reveal service.
func NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.UnaryInterceptor(UnaryAuth)}, opts...)
	return grpc.NewServer(opts...)
}

// Check evaluates readiness. On failure returns NOT_SERVING.
func (s *GRPCServer) Check(ctx context.Context, _ *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		obs.Warn("grpc readiness check failed", map[string]any{"err": err})
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

func (s *GRPCServer) CheckCanReveal(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return nil, err
	}
	v := s.reveal.CheckCanReveal(ctx, actor, targetFromStruct(in))
	return structpb.NewStruct(map[string]any{"can_reveal": v.CanReveal, "reason": v.Reason})
}

func (s *GRPCServer) Reveal(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return nil, err
	}
	value, err := s.reveal.Reveal(ctx, reveal.Request{
		Actor:   actor,
		Target:  targetFromStruct(in),
		MFACode: stringField(in, "mfa_code"),
	})
	if err != nil {
		return nil, grpcError(err)
	}
	return structpb.NewStruct(map[string]any{"value": value})
}

func (s *GRPCServer) actor(ctx context.Context) (string, error) {
	if s.reveal == nil {
		return "", status.Error(codes.Unavailable, "reveal is not configured")
	}
	actor, ok := auth.ActorFromContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "authentication required")
	}
	return actor, nil
}

func targetFromStruct(in *structpb.Struct) policy.Target {
	return policy.Target{
		EntityType: stringField(in, "entity_type"),
		EntityID:   stringField(in, "entity_id"),
		Field:      stringField(in, "field"),
	}
}

func stringField(in *structpb.Struct, key string) string {
	if in == nil {
		return ""
	}
	if v, ok := in.GetFields()[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func grpcError(err error) error {
	var typed *errs.Error
	if !errors.As(err, &typed) {
		typed = errs.Internal(err)
	}
	switch typed.Kind {
	case errs.KindValidation:
		return status.Error(codes.InvalidArgument, typed.Reason)
	case errs.KindPermission:
		return status.Error(codes.PermissionDenied, typed.Reason)
	case errs.KindRateLimit:
		return status.Error(codes.ResourceExhausted, typed.Reason)
	case errs.KindLink:
		return status.Error(codes.FailedPrecondition, typed.Reason)
	}
	obs.Error("grpc request failed", map[string]any{"err": err})
	return status.Error(codes.Internal, errs.InternalMessage)
}

// UnaryAuth validates the authorization metadata on reveal calls and attaches
// the actor and peer address to the context. Health checks pass through.
func UnaryAuth(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if !strings.HasPrefix(info.FullMethod, "/"+revealServiceName+"/") {
		return handler(ctx, req)
	}
	md, _ := metadata.FromIncomingContext(ctx)
	var header string
	if vals := md.Get("authorization"); len(vals) > 0 {
		header = vals[0]
	}
	token, err := extractBearerToken(header)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	claims, err := auth.ParseAndValidate(token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		obs.Error("grpc token validation failed", map[string]any{"err": err})
		return nil, status.Error(codes.Internal, "authentication error")
	}
	client := auth.Client{}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			client.IP = host
		}
	}
	if ua := md.Get("user-agent"); len(ua) > 0 {
		client.UserAgent = ua[0]
	}
	ctx = auth.ContextWithClient(ctx, client)
	ctx = auth.ContextWithActor(ctx, claims.Subject, claims.Roles)
	ctx = auth.ContextWithToken(ctx, token)
	return handler(ctx, req)
}

// RevealClient calls revealguard.v1.RevealService.
type RevealClient struct {
	cc grpc.ClientConnInterface
}

func NewRevealClient(cc grpc.ClientConnInterface) *RevealClient {
	return &RevealClient{cc: cc}
}

func (c *RevealClient) CheckCanReveal(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodCheckCanReveal, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RevealClient) Reveal(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodReveal, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
