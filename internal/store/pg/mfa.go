package pg

import (
	"context"
	"database/sql"
	"errors"

	"revealguard.org/internal/mfa"
)

// MFAStore keeps TOTP secrets in mfa_secrets.
type MFAStore struct {
	db *sql.DB
}

var _ mfa.Store = (*MFAStore)(nil)

func (s *MFAStore) Secret(ctx context.Context, actor string) (string, bool, error) {
	if s.db == nil {
		return "", false, errNoDB
	}
	var (
		secret  string
		enabled bool
	)
	err := s.db.QueryRowContext(ctx, `select secret, enabled from mfa_secrets where actor = $1`, actor).Scan(&secret, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return secret, enabled, nil
}

func (s *MFAStore) CountEnabled(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from mfa_secrets where enabled`).Scan(&n)
	return n, err
}

func (s *MFAStore) Save(ctx context.Context, actor, secret string, enabled bool) error {
	if secret == "" {
		_, err := s.db.ExecContext(ctx, `delete from mfa_secrets where actor = $1`, actor)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		insert into mfa_secrets (actor, secret, enabled)
		values ($1, $2, $3)
		on conflict (actor) do update set secret = excluded.secret, enabled = excluded.enabled
	`, actor, secret, enabled)
	return err
}
