package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"revealguard.org/internal/links"
)

// LinkStore persists temporary reveal links and their access log.
type LinkStore struct {
	db *sql.DB
}

var _ links.Store = (*LinkStore)(nil)

const linkColumns = `id, link_id, token_hash, entity_type, entity_id, field, sealed_secret, created_by,
	created_at, expires_at, max_uses, current_uses, is_active, revoked_at, last_accessed_at, last_accessed_by`

func (s *LinkStore) Insert(ctx context.Context, l links.Link) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into temp_reveal_links (`+linkColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, l.ID, l.LinkID, l.TokenHash, l.EntityType, l.EntityID, l.Field, l.SealedSecret, l.CreatedBy,
		l.CreatedAt.UTC(), l.ExpiresAt.UTC(), l.MaxUses, l.CurrentUses, l.Active,
		nullTime(l.RevokedAt), nullTime(l.LastAccessedAt), l.LastAccessedBy)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(row rowScanner) (links.Link, error) {
	var l links.Link
	var revoked, accessed sql.NullTime
	err := row.Scan(&l.ID, &l.LinkID, &l.TokenHash, &l.EntityType, &l.EntityID, &l.Field, &l.SealedSecret,
		&l.CreatedBy, &l.CreatedAt, &l.ExpiresAt, &l.MaxUses, &l.CurrentUses, &l.Active,
		&revoked, &accessed, &l.LastAccessedBy)
	if err != nil {
		return links.Link{}, err
	}
	l.RevokedAt = timePtr(revoked)
	l.LastAccessedAt = timePtr(accessed)
	return l, nil
}

func (s *LinkStore) Get(ctx context.Context, linkID string) (links.Link, error) {
	l, err := scanLink(s.db.QueryRowContext(ctx, `
		select `+linkColumns+` from temp_reveal_links where link_id = $1
	`, linkID))
	if errors.Is(err, sql.ErrNoRows) {
		return links.Link{}, links.ErrNotFound
	}
	return l, err
}

// ConsumeUse is a compare-and-swap on current_uses. Exactly one of several
// racing callers holding the same expected value wins.
func (s *LinkStore) ConsumeUse(ctx context.Context, linkID string, expected int, at time.Time, accessedBy string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update temp_reveal_links
		set current_uses = current_uses + 1,
			is_active = (current_uses + 1 < max_uses),
			last_accessed_at = $3,
			last_accessed_by = $4
		where link_id = $1
			and current_uses = $2
			and current_uses < max_uses
			and is_active
			and revoked_at is null
			and expires_at > $3
	`, linkID, expected, at.UTC(), accessedBy)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *LinkStore) AppendAccess(ctx context.Context, e links.AccessLog) error {
	_, err := s.db.ExecContext(ctx, `
		insert into temp_link_access_log (link_id, accessed_at, accessed_by, success, error)
		values ($1, $2, $3, $4, $5)
	`, e.LinkID, e.AccessedAt.UTC(), e.AccessedBy, e.Success, e.Error)
	return err
}

func (s *LinkStore) AccessLogs(ctx context.Context, linkID string) ([]links.AccessLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		select link_id, accessed_at, accessed_by, success, error
		from temp_link_access_log where link_id = $1
		order by accessed_at, id
	`, linkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []links.AccessLog
	for rows.Next() {
		var e links.AccessLog
		if err := rows.Scan(&e.LinkID, &e.AccessedAt, &e.AccessedBy, &e.Success, &e.Error); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *LinkStore) Revoke(ctx context.Context, linkID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update temp_reveal_links
		set is_active = false, revoked_at = coalesce(revoked_at, $2)
		where link_id = $1
	`, linkID, at.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return links.ErrNotFound
	}
	return nil
}

func (s *LinkStore) ListByCreator(ctx context.Context, actor string, limit int) ([]links.Link, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+linkColumns+` from temp_reveal_links
		where created_by = $1
		order by created_at desc
		limit $2
	`, actor, clampLimit(limit, 50, 500))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []links.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *LinkStore) DeactivateExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update temp_reveal_links set is_active = false
		where is_active and expires_at <= $1
	`, now.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
