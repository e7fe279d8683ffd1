package docstore

import (
	"bytes"
	"context"
	"testing"

	"revealguard.org/internal/sealer"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	s, err := sealer.NewXChaCha(bytes.Repeat([]byte{1}, 32))
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	return NewMemory(s)
}

func TestMemoryDocuments(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)
	m.DefineType("User", Field{Name: "api_key", Type: FieldSecret}, Field{Name: "email", Type: FieldData})
	m.PutDocument("User", "bob", map[string]string{"team": "ops"})
	m.PutDocument("User", "carol", map[string]string{"team": "dev"})
	m.GrantRead("alice", "User", "bob")

	if ok, _ := m.Exists(ctx, "User", "bob"); !ok {
		t.Fatalf("bob should exist")
	}
	if ok, _ := m.Exists(ctx, "User", "dave"); ok {
		t.Fatalf("dave should not exist")
	}
	if ok, _ := m.HasReadPermission(ctx, "alice", "User", "bob"); !ok {
		t.Fatalf("alice should read bob")
	}
	if ok, _ := m.HasReadPermission(ctx, "alice", "User", "carol"); ok {
		t.Fatalf("alice should not read carol")
	}

	if v, err := m.FieldValue(ctx, "User", "bob", "api_key"); err != nil || v != "" {
		t.Fatalf("expected empty value, got %q %v", v, err)
	}
	if err := m.SetSecret(ctx, "User", "bob", "api_key", "k-123"); err != nil {
		t.Fatalf("SetSecret: %v", err)
	}
	ct, _ := m.FieldValue(ctx, "User", "bob", "api_key")
	if ct == "" || ct == "k-123" {
		t.Fatalf("secret must be sealed, got %q", ct)
	}
	if v, err := m.Decrypt(ctx, "User", "bob", "api_key"); err != nil || v != "k-123" {
		t.Fatalf("Decrypt: %q %v", v, err)
	}
	if err := m.SetSecret(ctx, "User", "dave", "api_key", "x"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	ids, _ := m.Match(ctx, "User", map[string]string{"team": "ops"})
	if len(ids) != 1 || ids[0] != "bob" {
		t.Fatalf("unexpected match: %v", ids)
	}
	ids, _ = m.Match(ctx, "User", nil)
	if len(ids) != 2 {
		t.Fatalf("empty filter should match all, got %v", ids)
	}
}

func TestMemorySchema(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)
	m.DefineType("User", Field{Name: "api_key", Type: FieldSecret}, Field{Name: "email", Type: FieldData})
	if ok, _ := m.EntityTypeExists(ctx, "User"); !ok {
		t.Fatalf("User should exist")
	}
	if ok, _ := IsSecretField(ctx, m, "User", "api_key"); !ok {
		t.Fatalf("api_key is a secret field")
	}
	if ok, _ := IsSecretField(ctx, m, "User", "email"); ok {
		t.Fatalf("email is not a secret field")
	}
	if _, err := IsSecretField(ctx, m, "Invoice", "x"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	m.SetRoles("alice", "Support", " Admin ")
	roles, _ := m.Roles(ctx, "alice")
	if len(roles) != 2 || roles[0] != "support" || roles[1] != "admin" {
		t.Fatalf("unexpected roles: %v", roles)
	}
}
