package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"revealguard.org/internal/audit"
)

// AuditStore persists the reveal audit trail in reveal_audit_log.
type AuditStore struct {
	db *sql.DB
}

var _ audit.Store = (*AuditStore)(nil)

const auditColumns = `id, actor, entity_type, entity_id, field, success, error, note, ip, user_agent, ts`

func (s *AuditStore) Append(ctx context.Context, e audit.Entry) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into reveal_audit_log (`+auditColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.Actor, e.EntityType, e.EntityID, e.Field, e.Success, e.Error, e.Note, e.IP, e.UserAgent, e.Timestamp.UTC())
	return err
}

func (s *AuditStore) UserHistory(ctx context.Context, actor string, q audit.Query) ([]audit.Entry, error) {
	args := []any{actor}
	where := []string{"actor = $1"}
	if !q.From.IsZero() {
		args = append(args, q.From.UTC())
		where = append(where, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To.UTC())
		where = append(where, fmt.Sprintf("ts <= $%d", len(args)))
	}
	args = append(args, clampLimit(q.Limit, 100, 1000))
	query := fmt.Sprintf(`select %s from reveal_audit_log where %s order by ts desc limit $%d`,
		auditColumns, strings.Join(where, " and "), len(args))
	return s.query(ctx, query, args...)
}

func (s *AuditStore) DocumentHistory(ctx context.Context, entityType, entityID string, limit int) ([]audit.Entry, error) {
	return s.query(ctx, `
		select `+auditColumns+` from reveal_audit_log
		where entity_type = $1 and entity_id = $2
		order by ts desc limit $3
	`, entityType, entityID, clampLimit(limit, 50, 1000))
}

func (s *AuditStore) query(ctx context.Context, query string, args ...any) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		if err := rows.Scan(&e.ID, &e.Actor, &e.EntityType, &e.EntityID, &e.Field, &e.Success,
			&e.Error, &e.Note, &e.IP, &e.UserAgent, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *AuditStore) FailedAttempts(ctx context.Context, since time.Time, minAttempts int) ([]audit.FailedAttempts, error) {
	rows, err := s.db.QueryContext(ctx, `
		select actor, count(*), max(ts),
			coalesce(array_to_string(array_agg(distinct ip) filter (where ip <> ''), ','), '')
		from reveal_audit_log
		where not success and ts >= $1
		group by actor
		having count(*) >= $2
		order by count(*) desc, actor
	`, since.UTC(), minAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []audit.FailedAttempts
	for rows.Next() {
		var (
			fa  audit.FailedAttempts
			ips string
		)
		if err := rows.Scan(&fa.Actor, &fa.Count, &fa.LastAttempt, &ips); err != nil {
			return nil, err
		}
		if ips != "" {
			fa.IPs = strings.Split(ips, ",")
		}
		out = append(out, fa)
	}
	return out, rows.Err()
}

func (s *AuditStore) Statistics(ctx context.Context, since time.Time) (audit.Stats, error) {
	var st audit.Stats
	err := s.db.QueryRowContext(ctx, `
		select count(*),
			count(*) filter (where success),
			count(*) filter (where not success),
			count(distinct actor),
			count(distinct entity_type)
		from reveal_audit_log where ts >= $1
	`, since.UTC()).Scan(&st.Total, &st.Successful, &st.Failed, &st.UniqueActors, &st.UniqueEntityTypes)
	if err != nil {
		return audit.Stats{}, err
	}
	if st.Total > 0 {
		st.SuccessRate = float64(st.Successful) / float64(st.Total) * 100
	}
	return st, nil
}

func (s *AuditStore) CountSuccessful(ctx context.Context, actor string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from reveal_audit_log where actor = $1 and success and ts >= $2
	`, actor, since.UTC()).Scan(&n)
	return n, err
}

func (s *AuditStore) TopActors(ctx context.Context, since time.Time, limit int) ([]audit.Breakdown, error) {
	return s.breakdown(ctx, "actor", since, limit)
}

func (s *AuditStore) TopEntityTypes(ctx context.Context, since time.Time, limit int) ([]audit.Breakdown, error) {
	return s.breakdown(ctx, "entity_type", since, limit)
}

// breakdown groups by a fixed column name; col never comes from input.
func (s *AuditStore) breakdown(ctx context.Context, col string, since time.Time, limit int) ([]audit.Breakdown, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		select %[1]s, count(*) from reveal_audit_log
		where ts >= $1
		group by %[1]s
		order by count(*) desc, %[1]s
		limit $2
	`, col), since.UTC(), clampLimit(limit, 10, 100))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []audit.Breakdown
	for rows.Next() {
		var b audit.Breakdown
		if err := rows.Scan(&b.Key, &b.Count); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *AuditStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from reveal_audit_log where ts < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
