package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"revealguard.org/internal/rotation"
)

// RotationStore persists rotation policies and per-document history.
type RotationStore struct {
	db *sql.DB
}

var _ rotation.Store = (*RotationStore)(nil)

const policyColumns = `id, name, entity_type, field, frequency, interval_days, filter, length,
	use_digits, use_symbols, enabled, last_rotation, next_rotation, notify_email`

func scanPolicy(row rowScanner) (rotation.Policy, error) {
	var p rotation.Policy
	var (
		freq       string
		filter     []byte
		last, next sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.Name, &p.EntityType, &p.Field, &freq, &p.IntervalDays, &filter, &p.Length,
		&p.UseDigits, &p.UseSymbols, &p.Enabled, &last, &next, &p.NotifyEmail); err != nil {
		return rotation.Policy{}, err
	}
	p.Frequency = rotation.Frequency(freq)
	if len(filter) > 0 {
		if err := json.Unmarshal(filter, &p.Filter); err != nil {
			return rotation.Policy{}, fmt.Errorf("decode filter: %w", err)
		}
		if len(p.Filter) == 0 {
			p.Filter = nil
		}
	}
	p.LastRotation = timePtr(last)
	p.NextRotation = timePtr(next)
	return p, nil
}

func (s *RotationStore) GetPolicy(ctx context.Context, id string) (rotation.Policy, error) {
	if s.db == nil {
		return rotation.Policy{}, errNoDB
	}
	p, err := scanPolicy(s.db.QueryRowContext(ctx, `select `+policyColumns+` from rotation_policies where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rotation.Policy{}, rotation.ErrNotFound
	}
	return p, err
}

func (s *RotationStore) SavePolicy(ctx context.Context, p rotation.Policy) error {
	filter := p.Filter
	if filter == nil {
		filter = map[string]string{}
	}
	raw, err := json.Marshal(filter)
	if err != nil {
		return fmt.Errorf("encode filter: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into rotation_policies (`+policyColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		on conflict (id) do update set
			name = excluded.name,
			entity_type = excluded.entity_type,
			field = excluded.field,
			frequency = excluded.frequency,
			interval_days = excluded.interval_days,
			filter = excluded.filter,
			length = excluded.length,
			use_digits = excluded.use_digits,
			use_symbols = excluded.use_symbols,
			enabled = excluded.enabled,
			last_rotation = excluded.last_rotation,
			next_rotation = excluded.next_rotation,
			notify_email = excluded.notify_email
	`, p.ID, p.Name, p.EntityType, p.Field, string(p.Frequency), p.IntervalDays, string(raw), p.Length,
		p.UseDigits, p.UseSymbols, p.Enabled, nullTime(p.LastRotation), nullTime(p.NextRotation), p.NotifyEmail)
	return err
}

func (s *RotationStore) ListPolicies(ctx context.Context) ([]rotation.Policy, error) {
	return s.policies(ctx, `select `+policyColumns+` from rotation_policies order by id`)
}

func (s *RotationStore) DuePolicies(ctx context.Context, now time.Time) ([]rotation.Policy, error) {
	return s.policies(ctx, `
		select `+policyColumns+` from rotation_policies
		where enabled and next_rotation is not null and next_rotation <= $1
		order by next_rotation, id
	`, now.UTC())
}

func (s *RotationStore) policies(ctx context.Context, query string, args ...any) ([]rotation.Policy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rotation.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *RotationStore) AppendHistory(ctx context.Context, h rotation.History) error {
	_, err := s.db.ExecContext(ctx, `
		insert into rotation_history (id, policy_id, entity_type, entity_id, status, error, rotated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, h.ID, h.PolicyID, h.EntityType, h.EntityID, h.Status, h.Error, h.RotatedAt.UTC())
	return err
}

func (s *RotationStore) RotatedSince(ctx context.Context, policyID string, since *time.Time) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct entity_id from rotation_history
		where policy_id = $1 and status = 'success' and ($2::timestamptz is null or rotated_at > $2)
	`, policyID, nullTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *RotationStore) History(ctx context.Context, policyID string, limit int) ([]rotation.History, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, policy_id, entity_type, entity_id, status, error, rotated_at
		from rotation_history where policy_id = $1
		order by rotated_at desc, id desc
		limit $2
	`, policyID, clampLimit(limit, 100, 500))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rotation.History
	for rows.Next() {
		var h rotation.History
		if err := rows.Scan(&h.ID, &h.PolicyID, &h.EntityType, &h.EntityID, &h.Status, &h.Error, &h.RotatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
