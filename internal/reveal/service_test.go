package reveal

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"revealguard.org/internal/audit"
	"revealguard.org/internal/auth"
	"revealguard.org/internal/docstore"
	"revealguard.org/internal/errs"
	"revealguard.org/internal/mfa"
	"revealguard.org/internal/policy"
	"revealguard.org/internal/ratelimit"
	"revealguard.org/internal/sealer"
	"revealguard.org/internal/session"
)

type harness struct {
	svc      *Service
	docs     *docstore.Memory
	policy   *policy.MemoryStore
	audit    *audit.MemoryStore
	sessions *session.MemoryStore
}

func newHarness(t *testing.T, auditStore audit.Store, opts ...Option) harness {
	t.Helper()
	s, err := sealer.NewXChaCha(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	docs := docstore.NewMemory(s)
	docs.DefineType("User", docstore.Field{Name: "api_key", Type: docstore.FieldSecret})
	docs.PutDocument("User", "bob", nil)
	docs.GrantRead("alice", "User", "bob")
	docs.GrantRead("mallory", "User", "bob")

	ps := policy.NewMemoryStore()
	ctx := context.Background()
	_ = ps.SetTrusted(ctx, "alice", true)
	_ = ps.SetAllowedEntityType(ctx, "User", true)

	mem := audit.NewMemoryStore()
	if auditStore == nil {
		auditStore = mem
	}
	sessions := session.NewMemoryStore()
	svc := NewService(
		ratelimit.New(ratelimit.NewMemoryCounter()),
		policy.NewGate(ps, docs, docs, docs),
		docs,
		audit.NewRecorder(auditStore),
		session.NewTracker(sessions),
		opts...,
	)
	return harness{svc: svc, docs: docs, policy: ps, audit: mem, sessions: sessions}
}

func (h harness) sessionCount(t *testing.T) int {
	t.Helper()
	rs, err := h.sessions.Since(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	return len(rs)
}

var bobKey = policy.Target{EntityType: "User", EntityID: "bob", Field: "api_key"}

func requestCtx() context.Context {
	return auth.ContextWithClient(context.Background(), auth.Client{IP: "10.0.0.5", UserAgent: "Mozilla/5.0"})
}

func TestRevealEmptyFieldSucceeds(t *testing.T) {
	h := newHarness(t, nil)
	got, err := h.svc.Reveal(requestCtx(), Request{Actor: "alice", Target: bobKey})
	if err != nil {
		t.Fatalf("Reveal: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty value, got %q", got)
	}
	entries := h.audit.All()
	if len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}
	e := entries[0]
	if !e.Success || e.Note == "" || e.IP != "10.0.0.5" || e.UserAgent != "Mozilla/5.0" {
		t.Fatalf("unexpected audit entry %+v", e)
	}
	if h.sessionCount(t) != 1 {
		t.Fatalf("expected one session record")
	}
}

func TestRevealReturnsPlaintext(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.docs.SetSecret(context.Background(), "User", "bob", "api_key", "sk-live-123"); err != nil {
		t.Fatalf("SetSecret: %v", err)
	}
	got, err := h.svc.Reveal(requestCtx(), Request{Actor: "alice", Target: bobKey})
	if err != nil || got != "sk-live-123" {
		t.Fatalf("Reveal: %q, %v", got, err)
	}
	if e := h.audit.All()[0]; !e.Success || e.Note != "" {
		t.Fatalf("unexpected audit entry %+v", e)
	}
}

func TestRevealUntrustedActorDenied(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Reveal(requestCtx(), Request{Actor: "mallory", Target: bobKey})
	if !errors.Is(err, errs.ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	entries := h.audit.All()
	if len(entries) != 1 || entries[0].Success || entries[0].Error == "" {
		t.Fatalf("expected failed audit entry, got %+v", entries)
	}
	if h.sessionCount(t) != 1 {
		t.Fatalf("expected one session record")
	}
}

func TestRevealRateLimited(t *testing.T) {
	h := newHarness(t, nil, WithRateLimit(3, time.Minute))
	ctx := requestCtx()
	for i := 0; i < 3; i++ {
		if _, err := h.svc.Reveal(ctx, Request{Actor: "alice", Target: bobKey}); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	_, err := h.svc.Reveal(ctx, Request{Actor: "alice", Target: bobKey})
	var e *errs.Error
	if !errors.As(err, &e) || e.Kind != errs.KindRateLimit {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if e.RetryAfter <= 0 || e.RetryAfter > time.Minute {
		t.Fatalf("unexpected retry after %s", e.RetryAfter)
	}
	if n := len(h.audit.All()); n != 4 {
		t.Fatalf("rate limited attempts must be audited, got %d entries", n)
	}
	if h.sessionCount(t) != 4 {
		t.Fatalf("rate limited attempts must be tracked")
	}
	if err := h.svc.ResetRateLimit(ctx, "alice"); err != nil {
		t.Fatalf("ResetRateLimit: %v", err)
	}
	if _, err := h.svc.Reveal(ctx, Request{Actor: "alice", Target: bobKey}); err != nil {
		t.Fatalf("expected allow after reset, got %v", err)
	}
}

func TestRevealInternalFaultIsOpaque(t *testing.T) {
	h := newHarness(t, nil)
	h.docs.SetCiphertext("User", "bob", "api_key", "not-a-valid-ciphertext")
	_, err := h.svc.Reveal(requestCtx(), Request{Actor: "alice", Target: bobKey})
	if !errors.Is(err, errs.ErrInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
	if errs.Public(err) != errs.InternalMessage {
		t.Fatalf("internal details leaked: %q", errs.Public(err))
	}
	e := h.audit.All()[0]
	if e.Success || !strings.HasPrefix(e.Error, "Unexpected error: ") {
		t.Fatalf("audit should carry the internal detail, got %+v", e)
	}
}

type brokenAudit struct{ *audit.MemoryStore }

func (brokenAudit) Append(context.Context, audit.Entry) error { return errors.New("audit db down") }

func TestAuditFailureDoesNotChangeOutcome(t *testing.T) {
	h := newHarness(t, brokenAudit{audit.NewMemoryStore()})
	if _, err := h.svc.Reveal(requestCtx(), Request{Actor: "alice", Target: bobKey}); err != nil {
		t.Fatalf("audit failure must not fail the reveal: %v", err)
	}
}

type panickingDocs struct{ docstore.Documents }

func (panickingDocs) Decrypt(context.Context, string, string, string) (string, error) {
	panic("sealer exploded")
}

func TestRevealCollaboratorPanicIsRecorded(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.docs.SetSecret(context.Background(), "User", "bob", "api_key", "s3cr3t"); err != nil {
		t.Fatalf("set secret: %v", err)
	}
	h.svc.docs = panickingDocs{h.docs}

	_, err := h.svc.Reveal(requestCtx(), Request{Actor: "alice", Target: bobKey})
	if !errors.Is(err, errs.ErrInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
	if errs.Public(err) != errs.InternalMessage {
		t.Fatalf("panic details leaked: %q", errs.Public(err))
	}
	entries := h.audit.All()
	if len(entries) != 1 || entries[0].Success || !strings.Contains(entries[0].Error, "sealer exploded") {
		t.Fatalf("expected one failed audit entry, got %+v", entries)
	}
	if n := h.sessionCount(t); n != 1 {
		t.Fatalf("expected one session record, got %d", n)
	}
}

type panickingAudit struct{ *audit.MemoryStore }

func (panickingAudit) Append(context.Context, audit.Entry) error { panic("audit driver bug") }

func TestAuditPanicStillTracksSession(t *testing.T) {
	h := newHarness(t, panickingAudit{audit.NewMemoryStore()})
	if _, err := h.svc.Reveal(requestCtx(), Request{Actor: "alice", Target: bobKey}); err != nil {
		t.Fatalf("audit panic must not fail the reveal: %v", err)
	}
	if n := h.sessionCount(t); n != 1 {
		t.Fatalf("expected one session record, got %d", n)
	}
}

func TestRevealRequiresMFA(t *testing.T) {
	secrets := mfa.NewMemorySecrets()
	secrets.Enroll("alice", "JBSWY3DPEHPK3PXP")
	h := newHarness(t, nil, WithMFA(mfa.NewVerifier(secrets, true)))

	_, err := h.svc.Reveal(requestCtx(), Request{Actor: "alice", Target: bobKey})
	if errs.CodeOf(err) != "mfa_required" {
		t.Fatalf("expected mfa_required, got %v", err)
	}
	code, err := totp.GenerateCode("JBSWY3DPEHPK3PXP", time.Now().UTC())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if _, err := h.svc.Reveal(requestCtx(), Request{Actor: "alice", Target: bobKey, MFACode: code}); err != nil {
		t.Fatalf("valid code rejected: %v", err)
	}
}

func TestInfoAndCheck(t *testing.T) {
	h := newHarness(t, nil)
	ctx := requestCtx()
	if _, err := h.svc.Reveal(ctx, Request{Actor: "alice", Target: bobKey}); err != nil {
		t.Fatalf("Reveal: %v", err)
	}
	info, err := h.svc.Info(ctx, "alice")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if !info.IsTrusted || info.RecentReveals != 1 || len(info.AllowedEntityTypes) != 1 || info.RemainingCalls != DefaultMaxCalls-1 {
		t.Fatalf("unexpected info %+v", info)
	}
	info, err = h.svc.Info(ctx, "mallory")
	if err != nil || info.IsTrusted || info.RecentReveals != 0 {
		t.Fatalf("unexpected info for untrusted actor %+v, %v", info, err)
	}
	if v := h.svc.CheckCanReveal(ctx, "alice", bobKey); !v.CanReveal {
		t.Fatalf("expected can reveal: %+v", v)
	}
	if n := len(h.audit.All()); n != 1 {
		t.Fatalf("dry run must not audit, got %d entries", n)
	}
}
