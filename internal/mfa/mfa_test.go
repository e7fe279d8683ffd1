package mfa

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"revealguard.org/internal/errs"
)

const testSecret = "JBSWY3DPEHPK3PXP"

func TestVerify(t *testing.T) {
	ctx := context.Background()
	secrets := NewMemorySecrets()
	secrets.Enroll("alice", testSecret)
	v := NewVerifier(secrets, true)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return now }

	code, err := totp.GenerateCode(testSecret, now)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if err := v.Verify(ctx, "alice", code); err != nil {
		t.Fatalf("valid code rejected: %v", err)
	}
	if err := v.Verify(ctx, "alice", ""); errs.CodeOf(err) != "mfa_required" {
		t.Fatalf("expected mfa_required, got %v", err)
	}
	if err := v.Verify(ctx, "alice", "000000"); !errors.Is(err, errs.ErrPermission) || errs.CodeOf(err) != "mfa_invalid" {
		if code != "000000" {
			t.Fatalf("expected mfa_invalid, got %v", err)
		}
	}
	if err := v.Verify(ctx, "bob", ""); err != nil {
		t.Fatalf("actor without MFA must pass: %v", err)
	}
	if n, _ := v.Adoption(ctx); n != 1 {
		t.Fatalf("expected adoption 1, got %d", n)
	}
}

func TestDisabledVerifier(t *testing.T) {
	secrets := NewMemorySecrets()
	secrets.Enroll("alice", testSecret)
	if err := NewVerifier(secrets, false).Verify(context.Background(), "alice", ""); err != nil {
		t.Fatalf("disabled verifier must pass: %v", err)
	}
	var nilVerifier *Verifier
	if err := nilVerifier.Verify(context.Background(), "alice", ""); err != nil {
		t.Fatalf("nil verifier must pass: %v", err)
	}
}

type fixedQR struct{}

func (fixedQR) DataURI(content string) (string, error) { return "data:" + content, nil }

func TestEnrollment(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySecrets()
	e := NewEnroller(store, "revealguard-test", fixedQR{})
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	if err := e.Activate(ctx, "alice", "123456"); errs.CodeOf(err) != "mfa_not_pending" {
		t.Fatalf("expected mfa_not_pending, got %v", err)
	}
	en, err := e.Begin(ctx, "alice")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if en.Secret == "" || en.QRCode != "data:"+en.URL {
		t.Fatalf("unexpected enrollment: %+v", en)
	}
	v := NewVerifier(store, true)
	if req, _ := v.Required(ctx, "alice"); req {
		t.Fatalf("pending enrollment must not require MFA")
	}
	if n, _ := v.Adoption(ctx); n != 0 {
		t.Fatalf("pending enrollment must not count, got %d", n)
	}

	code, err := totp.GenerateCode(en.Secret, now)
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if err := e.Activate(ctx, "alice", code); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if req, _ := v.Required(ctx, "alice"); !req {
		t.Fatalf("activated enrollment must require MFA")
	}
	if err := e.Activate(ctx, "alice", code); errs.CodeOf(err) != "mfa_already_enabled" {
		t.Fatalf("expected mfa_already_enabled, got %v", err)
	}
	if err := e.Disable(ctx, "alice"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if req, _ := v.Required(ctx, "alice"); req {
		t.Fatalf("disabled actor must not require MFA")
	}
}
