package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"revealguard.org/internal/policy"
)

// PolicyStore keeps the trusted actors, the entity type allowlist and the
// field permission matrix.
type PolicyStore struct {
	db *sql.DB
}

var _ policy.Store = (*PolicyStore)(nil)

func (s *PolicyStore) IsTrusted(ctx context.Context, actor string) (bool, error) {
	return s.enabled(ctx, `select enabled from trusted_actors where actor = $1`, actor)
}

func (s *PolicyStore) SetTrusted(ctx context.Context, actor string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		insert into trusted_actors (actor, enabled, updated_at)
		values ($1, $2, now())
		on conflict (actor) do update set enabled = excluded.enabled, updated_at = now()
	`, actor, enabled)
	return err
}

func (s *PolicyStore) CountTrusted(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from trusted_actors where enabled`).Scan(&n)
	return n, err
}

func (s *PolicyStore) IsEntityTypeAllowed(ctx context.Context, entityType string) (bool, error) {
	return s.enabled(ctx, `select enabled from allowed_entity_types where entity_type = $1`, entityType)
}

func (s *PolicyStore) enabled(ctx context.Context, query, key string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var on bool
	err := s.db.QueryRowContext(ctx, query, key).Scan(&on)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return on, nil
}

func (s *PolicyStore) SetAllowedEntityType(ctx context.Context, entityType string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		insert into allowed_entity_types (entity_type, enabled, updated_at)
		values ($1, $2, now())
		on conflict (entity_type) do update set enabled = excluded.enabled, updated_at = now()
	`, entityType, enabled)
	return err
}

func (s *PolicyStore) AllowedEntityTypes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `select entity_type from allowed_entity_types where enabled order by entity_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PolicyStore) RulesFor(ctx context.Context, entityType, field string) ([]policy.FieldRule, error) {
	return s.ListFieldRules(ctx, policy.RuleFilter{EntityType: entityType, Field: field})
}

func (s *PolicyStore) InsertFieldRule(ctx context.Context, rule policy.FieldRule) error {
	_, err := s.db.ExecContext(ctx, `
		insert into field_permission_rules (entity_type, field, role, can_reveal)
		values ($1, $2, $3, $4)
	`, rule.EntityType, rule.Field, rule.Role, rule.CanReveal)
	if isUniqueViolation(err) {
		return policy.ErrConflict
	}
	return err
}

func (s *PolicyStore) UpdateFieldRule(ctx context.Context, rule policy.FieldRule) error {
	res, err := s.db.ExecContext(ctx, `
		update field_permission_rules set can_reveal = $4, updated_at = now()
		where entity_type = $1 and field = $2 and role = $3
	`, rule.EntityType, rule.Field, rule.Role, rule.CanReveal)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return policy.ErrNotFound
	}
	return nil
}

func (s *PolicyStore) ListFieldRules(ctx context.Context, filter policy.RuleFilter) ([]policy.FieldRule, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("entity_type", filter.EntityType)
	add("field", filter.Field)
	add("role", filter.Role)

	query := `select entity_type, field, role, can_reveal from field_permission_rules`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by entity_type, field, role"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []policy.FieldRule
	for rows.Next() {
		var r policy.FieldRule
		if err := rows.Scan(&r.EntityType, &r.Field, &r.Role, &r.CanReveal); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
