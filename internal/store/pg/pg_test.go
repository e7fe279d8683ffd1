package pg

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"revealguard.org/internal/docstore"
	"revealguard.org/internal/links"
	"revealguard.org/internal/policy"
	"revealguard.org/internal/rotation"
	"revealguard.org/internal/sealer"
	"revealguard.org/internal/session"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

func TestPolicyStoreTrustedDefaultsToFalse(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select enabled from trusted_actors where actor").WithArgs("mallory").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("select enabled from trusted_actors where actor").WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"enabled"}).AddRow(true))

	ok, err := s.Policies().IsTrusted(context.Background(), "mallory")
	if err != nil || ok {
		t.Fatalf("unknown actor must not be trusted, got %v err=%v", ok, err)
	}
	ok, err = s.Policies().IsTrusted(context.Background(), "alice")
	if err != nil || !ok {
		t.Fatalf("expected trusted, got %v err=%v", ok, err)
	}
}

func TestPolicyStoreRuleErrors(t *testing.T) {
	s, mock := newMock(t)
	rule := policy.FieldRule{EntityType: "User", Field: "api_key", Role: "support", CanReveal: true}

	mock.ExpectExec("insert into field_permission_rules").WithArgs("User", "api_key", "support", true).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectExec("update field_permission_rules set can_reveal").WithArgs("User", "api_key", "support", true).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.Policies().InsertFieldRule(context.Background(), rule); !errors.Is(err, policy.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := s.Policies().UpdateFieldRule(context.Background(), rule); !errors.Is(err, policy.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPolicyStoreListFieldRulesFilter(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`from field_permission_rules where entity_type = \$1 and role = \$2 order by`).
		WithArgs("User", "support").
		WillReturnRows(sqlmock.NewRows([]string{"entity_type", "field", "role", "can_reveal"}).
			AddRow("User", "api_key", "support", false).
			AddRow("User", "token", "support", true))

	rules, err := s.Policies().ListFieldRules(context.Background(), policy.RuleFilter{EntityType: "User", Role: "support"})
	if err != nil {
		t.Fatalf("ListFieldRules: %v", err)
	}
	if len(rules) != 2 || rules[0].CanReveal || !rules[1].CanReveal {
		t.Fatalf("unexpected rules: %+v", rules)
	}
}

func TestDocumentStoreSecrets(t *testing.T) {
	s, mock := newMock(t)
	sl, err := sealer.NewXChaCha(bytes.Repeat([]byte{3}, 32))
	if err != nil {
		t.Fatal(err)
	}
	docs := s.Documents(sl)
	ct, err := sl.Seal(sealer.Location("User", "bob", "api_key"), "s3cret")
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectQuery("select coalesce").WithArgs("User", "bob", "api_key").
		WillReturnRows(sqlmock.NewRows([]string{"ciphertext"}).AddRow(ct))
	mock.ExpectQuery("select coalesce").WithArgs("User", "ghost", "api_key").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("insert into document_secrets").WithArgs("User", "ghost", "api_key", sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	got, err := docs.Decrypt(context.Background(), "User", "bob", "api_key")
	if err != nil || got != "s3cret" {
		t.Fatalf("Decrypt = %q, %v", got, err)
	}
	if _, err := docs.FieldValue(context.Background(), "User", "ghost", "api_key"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := docs.SetSecret(context.Background(), "User", "ghost", "api_key", "x"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on missing document, got %v", err)
	}
}

func TestDocumentStoreMatchAndRoles(t *testing.T) {
	s, mock := newMock(t)
	docs := s.Documents(nil)
	mock.ExpectQuery(`attrs @> \$2::jsonb`).WithArgs("Service", `{"env":"prod"}`).
		WillReturnRows(sqlmock.NewRows([]string{"entity_id"}).AddRow("billing").AddRow("search"))
	mock.ExpectQuery("select role from actor_roles").WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow(" Support ").AddRow("ADMIN"))

	ids, err := docs.Match(context.Background(), "Service", map[string]string{"env": "prod"})
	if err != nil || len(ids) != 2 {
		t.Fatalf("Match = %v, %v", ids, err)
	}
	roles, err := docs.Roles(context.Background(), "alice")
	if err != nil || roles[0] != "support" || roles[1] != "admin" {
		t.Fatalf("Roles = %v, %v", roles, err)
	}
}

func TestLinkStoreConsumeUse(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("update temp_reveal_links").WithArgs("lnk", 0, at, "198.51.100.1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update temp_reveal_links").WithArgs("lnk", 0, at, "198.51.100.2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.Links().ConsumeUse(context.Background(), "lnk", 0, at, "198.51.100.1")
	if err != nil || !ok {
		t.Fatalf("first swap must win, got %v err=%v", ok, err)
	}
	ok, err = s.Links().ConsumeUse(context.Background(), "lnk", 0, at, "198.51.100.2")
	if err != nil || ok {
		t.Fatalf("stale expected value must lose, got %v err=%v", ok, err)
	}
}

func TestLinkStoreGet(t *testing.T) {
	s, mock := newMock(t)
	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	revoked := created.Add(time.Hour)
	cols := []string{"id", "link_id", "token_hash", "entity_type", "entity_id", "field", "sealed_secret", "created_by",
		"created_at", "expires_at", "max_uses", "current_uses", "is_active", "revoked_at", "last_accessed_at", "last_accessed_by"}
	mock.ExpectQuery("from temp_reveal_links where link_id").WithArgs("lnk").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("01H", "lnk", "hash", "User", "bob", "api_key", "sealed", "alice",
			created, created.Add(24*time.Hour), 3, 1, false, revoked, nil, ""))
	mock.ExpectQuery("from temp_reveal_links where link_id").WithArgs("gone").WillReturnError(sql.ErrNoRows)

	l, err := s.Links().Get(context.Background(), "lnk")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if l.RevokedAt == nil || !l.RevokedAt.Equal(revoked) || l.LastAccessedAt != nil || l.CurrentUses != 1 {
		t.Fatalf("unexpected link: %+v", l)
	}
	if _, err := s.Links().Get(context.Background(), "gone"); !errors.Is(err, links.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAuditStoreFailedAttemptsAndCleanup(t *testing.T) {
	s, mock := newMock(t)
	since := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	last := since.Add(time.Hour)
	mock.ExpectQuery("from reveal_audit_log").WithArgs(since, 3).
		WillReturnRows(sqlmock.NewRows([]string{"actor", "count", "max", "ips"}).
			AddRow("mallory", 4, last, "10.0.0.1,10.0.0.2").
			AddRow("eve", 3, last, ""))
	mock.ExpectExec("delete from reveal_audit_log where ts").WithArgs(since).
		WillReturnResult(sqlmock.NewResult(0, 7))

	got, err := s.Audit().FailedAttempts(context.Background(), since, 3)
	if err != nil {
		t.Fatalf("FailedAttempts: %v", err)
	}
	if len(got) != 2 || len(got[0].IPs) != 2 || got[1].IPs != nil {
		t.Fatalf("unexpected aggregation: %+v", got)
	}
	n, err := s.Audit().DeleteBefore(context.Background(), since)
	if err != nil || n != 7 {
		t.Fatalf("DeleteBefore = %d, %v", n, err)
	}
}

func TestSessionStoreRoundTripsReasons(t *testing.T) {
	s, mock := newMock(t)
	ts := time.Date(2024, 6, 1, 23, 0, 0, 0, time.UTC)
	rec := session.Record{ID: "r1", Actor: "alice", EntityType: "User", EntityID: "bob", Field: "api_key",
		IP: "10.0.0.1", Score: 60, Suspicious: true, Reasons: []string{"New IP address"}, Timestamp: ts}

	mock.ExpectExec("insert into reveal_sessions").
		WithArgs("r1", "alice", "User", "bob", "api_key", "10.0.0.1", "", "", "", false, 60, true, `["New IP address"]`, ts).
		WillReturnResult(sqlmock.NewResult(1, 1))
	cols := []string{"id", "actor", "entity_type", "entity_id", "field", "ip", "user_agent", "device_fingerprint",
		"geolocation", "success", "anomaly_score", "is_suspicious", "anomaly_reasons", "ts"}
	mock.ExpectQuery("where is_suspicious and ts").WithArgs(ts.Add(-time.Hour), 100).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("r1", "alice", "User", "bob", "api_key", "10.0.0.1", "", "", "",
			false, 60, true, []byte(`["New IP address"]`), ts))

	if err := s.Sessions().Insert(context.Background(), rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := s.Sessions().Suspicious(context.Background(), ts.Add(-time.Hour), 0)
	if err != nil || len(got) != 1 || got[0].Reasons[0] != "New IP address" {
		t.Fatalf("Suspicious = %+v, %v", got, err)
	}
}

func TestRotationStorePolicy(t *testing.T) {
	s, mock := newMock(t)
	last := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	cols := []string{"id", "name", "entity_type", "field", "frequency", "interval_days", "filter", "length",
		"use_digits", "use_symbols", "enabled", "last_rotation", "next_rotation", "notify_email"}
	mock.ExpectQuery("from rotation_policies where id").WithArgs("p1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("p1", "prod", "Service", "api_key", "weekly", 0,
			[]byte(`{"env":"prod"}`), 16, true, false, true, last, last.Add(7*24*time.Hour), ""))
	mock.ExpectQuery("from rotation_policies where id").WithArgs("nope").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("select distinct entity_id from rotation_history").WithArgs("p1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"entity_id"}).AddRow("billing"))

	p, err := s.Rotation().GetPolicy(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if p.Frequency != rotation.Weekly || p.Filter["env"] != "prod" || !p.LastRotation.Equal(last) {
		t.Fatalf("unexpected policy: %+v", p)
	}
	if _, err := s.Rotation().GetPolicy(context.Background(), "nope"); !errors.Is(err, rotation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	done, err := s.Rotation().RotatedSince(context.Background(), "p1", p.LastRotation)
	if err != nil || !done["billing"] {
		t.Fatalf("RotatedSince = %v, %v", done, err)
	}
}

func TestMFAStoreMissingSecret(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select secret, enabled from mfa_secrets").WithArgs("alice").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("delete from mfa_secrets").WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 1))

	secret, enabled, err := s.MFA().Secret(context.Background(), "alice")
	if err != nil || secret != "" || enabled {
		t.Fatalf("Secret = %q %v %v", secret, enabled, err)
	}
	if err := s.MFA().Save(context.Background(), "alice", "", false); err != nil {
		t.Fatalf("Save: %v", err)
	}
}
