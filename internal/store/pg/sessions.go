package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"revealguard.org/internal/session"
)

// SessionStore persists reveal session records in reveal_sessions.
type SessionStore struct {
	db *sql.DB
}

var _ session.Store = (*SessionStore)(nil)

const sessionColumns = `id, actor, entity_type, entity_id, field, ip, user_agent, device_fingerprint,
	geolocation, success, anomaly_score, is_suspicious, anomaly_reasons, ts`

func (s *SessionStore) Insert(ctx context.Context, r session.Record) error {
	if s.db == nil {
		return errNoDB
	}
	reasons := r.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	raw, err := json.Marshal(reasons)
	if err != nil {
		return fmt.Errorf("encode anomaly reasons: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into reveal_sessions (`+sessionColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, r.ID, r.Actor, r.EntityType, r.EntityID, r.Field, r.IP, r.UserAgent, r.Fingerprint,
		r.Geolocation, r.Success, r.Score, r.Suspicious, string(raw), r.Timestamp.UTC())
	return err
}

func (s *SessionStore) RecentIPs(ctx context.Context, actor string, limit int) ([]string, error) {
	return s.recentDistinct(ctx, "ip", actor, limit)
}

func (s *SessionStore) RecentFingerprints(ctx context.Context, actor string, limit int) ([]string, error) {
	return s.recentDistinct(ctx, "device_fingerprint", actor, limit)
}

// recentDistinct orders distinct values of a fixed column by last use.
func (s *SessionStore) recentDistinct(ctx context.Context, col, actor string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		select %[1]s from reveal_sessions
		where actor = $1 and %[1]s <> ''
		group by %[1]s
		order by max(ts) desc
		limit $2
	`, col), actor, clampLimit(limit, 10, 100))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SessionStore) CountSince(ctx context.Context, actor string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from reveal_sessions where actor = $1 and ts > $2
	`, actor, since.UTC()).Scan(&n)
	return n, err
}

func (s *SessionStore) History(ctx context.Context, actor string, limit, offset int) ([]session.Record, error) {
	if offset < 0 {
		offset = 0
	}
	return s.query(ctx, `
		select `+sessionColumns+` from reveal_sessions
		where actor = $1
		order by ts desc
		limit $2 offset $3
	`, actor, clampLimit(limit, 50, 500), offset)
}

func (s *SessionStore) Suspicious(ctx context.Context, since time.Time, limit int) ([]session.Record, error) {
	return s.query(ctx, `
		select `+sessionColumns+` from reveal_sessions
		where is_suspicious and ts >= $1
		order by anomaly_score desc, ts desc
		limit $2
	`, since.UTC(), clampLimit(limit, 100, 1000))
}

func (s *SessionStore) Since(ctx context.Context, since time.Time) ([]session.Record, error) {
	return s.query(ctx, `
		select `+sessionColumns+` from reveal_sessions
		where ts >= $1
		order by ts
	`, since.UTC())
}

func (s *SessionStore) query(ctx context.Context, query string, args ...any) ([]session.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []session.Record
	for rows.Next() {
		var (
			r   session.Record
			raw []byte
		)
		if err := rows.Scan(&r.ID, &r.Actor, &r.EntityType, &r.EntityID, &r.Field, &r.IP, &r.UserAgent,
			&r.Fingerprint, &r.Geolocation, &r.Success, &r.Score, &r.Suspicious, &raw, &r.Timestamp); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &r.Reasons); err != nil {
				return nil, fmt.Errorf("decode anomaly reasons: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
