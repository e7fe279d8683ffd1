package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func TestGenerateAndValidate(t *testing.T) {
	t.Setenv(secretEnvVariable, "test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	token, err := GenerateToken("user-42", []string{"Admin", "viewer", "admin"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if !slices.Contains(claims.Roles, "admin") || !slices.Contains(claims.Roles, "viewer") || len(claims.Roles) != 2 {
		t.Fatalf("roles were not normalized: %v", claims.Roles)
	}
	if claims.ID == "" {
		t.Fatalf("expected jti")
	}
}

func TestParseRejectsForeignSecret(t *testing.T) {
	SetSecret("one")
	t.Cleanup(ResetSecretForTests)
	token, err := GenerateToken("alice", nil, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	SetSecret("two")
	if _, err := ParseAndValidate(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestMissingSecret(t *testing.T) {
	t.Setenv(secretEnvVariable, "")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
	if _, err := GenerateToken("alice", nil, time.Minute); err == nil {
		t.Fatalf("expected error without secret")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithActor(ctx, "user-7", []string{"Admin", "Admin", "viewer"})
	ctx = ContextWithClient(ctx, Client{IP: " 10.0.0.1 ", UserAgent: "curl/8"})
	id, ok := ActorFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected actor: %s, ok=%v", id, ok)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", roles)
	}
	if !HasRole(ctx, "viewer") || !HasRole(ctx, "ADMIN") {
		t.Fatalf("HasRole missing expected roles: %v", roles)
	}
	if HasRole(ctx, "operator") {
		t.Fatalf("unexpected role found")
	}
	if c := ClientFromContext(ctx); c.IP != "10.0.0.1" || c.UserAgent != "curl/8" {
		t.Fatalf("unexpected client: %+v", c)
	}
	if !CanAdminister(roles) || !CanRevokeAnyLink(roles) {
		t.Fatalf("admin should administer and revoke")
	}
	if CanRevokeAnyLink([]string{"viewer"}) {
		t.Fatalf("viewer must not revoke foreign links")
	}
}

func TestNormalizeRoles(t *testing.T) {
	got, err := NormalizeRoles([]string{" Admin", "auditor", "", "admin"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !slices.Equal(got, []string{RoleAdmin, RoleAuditor}) {
		t.Fatalf("unexpected roles: %v", got)
	}

	if _, err := NormalizeRoles([]string{"auditor", "support"}); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
}
