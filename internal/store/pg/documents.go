package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"revealguard.org/internal/docstore"
	"revealguard.org/internal/sealer"
)

// DocumentStore implements the document, schema and identity capabilities
// over the documents, document_readers, document_secrets, entity_schemas and
// actor_roles tables. Secret values are stored sealed.
type DocumentStore struct {
	db     *sql.DB
	sealer sealer.Sealer
}

var (
	_ docstore.Documents = (*DocumentStore)(nil)
	_ docstore.Schema    = (*DocumentStore)(nil)
	_ docstore.Identity  = (*DocumentStore)(nil)
)

func (s *DocumentStore) Exists(ctx context.Context, entityType, entityID string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from documents where entity_type = $1 and entity_id = $2)
	`, entityType, entityID).Scan(&ok)
	return ok, err
}

func (s *DocumentStore) HasReadPermission(ctx context.Context, actor, entityType, entityID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		select exists(
			select 1 from document_readers
			where entity_type = $1 and entity_id = $2 and actor = $3
		)
	`, entityType, entityID, actor).Scan(&ok)
	return ok, err
}

func (s *DocumentStore) FieldValue(ctx context.Context, entityType, entityID, field string) (string, error) {
	var ct string
	err := s.db.QueryRowContext(ctx, `
		select coalesce(s.ciphertext, '')
		from documents d
		left join document_secrets s
			on s.entity_type = d.entity_type and s.entity_id = d.entity_id and s.field = $3
		where d.entity_type = $1 and d.entity_id = $2
	`, entityType, entityID, field).Scan(&ct)
	if errors.Is(err, sql.ErrNoRows) {
		return "", docstore.ErrNotFound
	}
	return ct, err
}

func (s *DocumentStore) Decrypt(ctx context.Context, entityType, entityID, field string) (string, error) {
	ct, err := s.FieldValue(ctx, entityType, entityID, field)
	if err != nil || ct == "" {
		return "", err
	}
	return s.sealer.Open(sealer.Location(entityType, entityID, field), ct)
}

func (s *DocumentStore) SetSecret(ctx context.Context, entityType, entityID, field, plaintext string) error {
	ct := ""
	if plaintext != "" {
		var err error
		if ct, err = s.sealer.Seal(sealer.Location(entityType, entityID, field), plaintext); err != nil {
			return fmt.Errorf("seal %s: %w", sealer.Location(entityType, entityID, field), err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		insert into document_secrets (entity_type, entity_id, field, ciphertext, updated_at)
		values ($1, $2, $3, $4, now())
		on conflict (entity_type, entity_id, field)
		do update set ciphertext = excluded.ciphertext, updated_at = now()
	`, entityType, entityID, field, ct)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return docstore.ErrNotFound
	}
	return err
}

func (s *DocumentStore) Match(ctx context.Context, entityType string, filter map[string]string) ([]string, error) {
	if filter == nil {
		filter = map[string]string{}
	}
	raw, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("encode filter: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		select entity_id from documents
		where entity_type = $1 and attrs @> $2::jsonb
		order by entity_id
	`, entityType, string(raw))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *DocumentStore) EntityTypeExists(ctx context.Context, entityType string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from entity_schemas where entity_type = $1)
	`, entityType).Scan(&ok)
	return ok, err
}

func (s *DocumentStore) Fields(ctx context.Context, entityType string) ([]docstore.Field, error) {
	rows, err := s.db.QueryContext(ctx, `
		select field, field_type from entity_schemas where entity_type = $1 order by field
	`, entityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []docstore.Field
	for rows.Next() {
		var f docstore.Field
		if err := rows.Scan(&f.Name, &f.Type); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, docstore.ErrNotFound
	}
	return out, nil
}

func (s *DocumentStore) Roles(ctx context.Context, actor string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `select role from actor_roles where actor = $1 order by role`, actor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		out = append(out, strings.ToLower(strings.TrimSpace(r)))
	}
	return out, rows.Err()
}
