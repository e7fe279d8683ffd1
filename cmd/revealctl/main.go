// Command revealctl calls the reveal gRPC service: check whether an actor may
// reveal a field, or reveal it.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"revealguard.org/internal/auth"
	"revealguard.org/internal/httpapi"
)

func main() {
	log.SetFlags(0)
	var (
		addr       = pflag.String("addr", envOr("REVEALGUARD_GRPC_ADDR", "localhost:9090"), "gRPC address")
		token      = pflag.String("token", os.Getenv("REVEALGUARD_TOKEN"), "bearer token")
		actor      = pflag.String("actor", "", "mint a short-lived token for this actor with REVEALGUARD_AUTH_SECRET")
		entityType = pflag.String("type", "", "entity type")
		entityID   = pflag.String("id", "", "entity id")
		field      = pflag.String("field", "", "secret field name")
		mfaCode    = pflag.String("mfa", "", "TOTP code")
		timeout    = pflag.Duration("timeout", 5*time.Second, "call timeout")
	)
	pflag.Parse()

	if pflag.NArg() == 0 {
		log.Fatal("usage: revealctl [health|check|reveal] --type T --id ID --field F")
	}

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("dial %s: %v", *addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if pflag.Arg(0) == "health" {
		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
		if err != nil {
			log.Fatalf("health: %v", err)
		}
		fmt.Println(resp.GetStatus())
		return
	}

	if *token == "" && *actor != "" {
		*token, err = auth.GenerateToken(*actor, nil, time.Minute)
		if err != nil {
			log.Fatalf("mint token: %v", err)
		}
	}
	if *token == "" {
		log.Fatal("missing token: provide --token, REVEALGUARD_TOKEN or --actor")
	}
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+*token)

	in, err := structpb.NewStruct(map[string]any{
		"entity_type": *entityType,
		"entity_id":   *entityID,
		"field":       *field,
		"mfa_code":    *mfaCode,
	})
	if err != nil {
		log.Fatalf("build request: %v", err)
	}

	client := httpapi.NewRevealClient(conn)
	switch pflag.Arg(0) {
	case "check":
		out, err := client.CheckCanReveal(ctx, in)
		if err != nil {
			log.Fatalf("check: %v", err)
		}
		f := out.GetFields()
		fmt.Printf("can_reveal=%t reason=%q\n", f["can_reveal"].GetBoolValue(), f["reason"].GetStringValue())
	case "reveal":
		out, err := client.Reveal(ctx, in)
		if err != nil {
			log.Fatalf("reveal: %v", err)
		}
		fmt.Println(out.GetFields()["value"].GetStringValue())
	default:
		log.Fatalf("unknown command %q", pflag.Arg(0))
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
