package httpapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"revealguard.org/internal/auth"
)

const bufSize = 1024 * 1024

type fakeReadiness struct {
	err error
}

func (f fakeReadiness) Check(context.Context) error { return f.err }

func startBufGRPC(t *testing.T, srv *GRPCServer) *grpc.ClientConn {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := NewServer()
	srv.Register(server)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	t.Cleanup(func() {
		_ = conn.Close()
		server.Stop()
	})
	return conn
}

func TestGRPCHealthCheck(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := startBufGRPC(t, NewGRPCServer(fakeReadiness{}, nil))
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", resp.GetStatus())
	}

	conn = startBufGRPC(t, NewGRPCServer(fakeReadiness{err: errors.New("db down")}, nil))
	resp, err = healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %v", resp.GetStatus())
	}
}

func TestGRPCRevealRequiresToken(t *testing.T) {
	t.Setenv("REVEALGUARD_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := startBufGRPC(t, NewGRPCServer(fakeReadiness{}, newTestServices(t).Reveal))
	client := NewRevealClient(conn)

	in, _ := structpb.NewStruct(map[string]any{"entity_type": "User", "entity_id": "bob", "field": "api_key"})
	_, err := client.Reveal(ctx, in)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}

	bad := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer not-a-token")
	_, err = client.Reveal(bad, in)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated for bad token, got %v", err)
	}
}

func TestGRPCRevealFlow(t *testing.T) {
	t.Setenv("REVEALGUARD_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := startBufGRPC(t, NewGRPCServer(fakeReadiness{}, newTestServices(t).Reveal))
	client := NewRevealClient(conn)

	call := func(actor string) context.Context {
		token, err := auth.GenerateToken(actor, nil, time.Minute)
		if err != nil {
			t.Fatalf("generate token: %v", err)
		}
		return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	}

	in, _ := structpb.NewStruct(map[string]any{"entity_type": "User", "entity_id": "bob", "field": "api_key"})

	verdict, err := client.CheckCanReveal(call("alice"), in)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !verdict.GetFields()["can_reveal"].GetBoolValue() {
		t.Fatalf("expected alice to be allowed: %v", verdict)
	}

	out, err := client.Reveal(call("alice"), in)
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if got := out.GetFields()["value"].GetStringValue(); got != "s3cr3t-value" {
		t.Fatalf("unexpected value %q", got)
	}

	_, err = client.Reveal(call("mallory"), in)
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("expected PermissionDenied for untrusted actor, got %v", err)
	}

	missing, _ := structpb.NewStruct(map[string]any{"entity_type": "User", "entity_id": "bob"})
	_, err = client.Reveal(call("alice"), missing)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for missing field, got %v", err)
	}
}
