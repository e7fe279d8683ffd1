// Package docstore defines the document, schema and identity capabilities the
// reveal core depends on, plus an in-memory implementation.
package docstore

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("document not found")
)

// Field types recognised by the schema registry.
const (
	FieldSecret = "password"
	FieldData   = "data"
)

// Field describes one field of an entity type.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Documents is the document store and its permission primitive.
type Documents interface {
	Exists(ctx context.Context, entityType, entityID string) (bool, error)
	HasReadPermission(ctx context.Context, actor, entityType, entityID string) (bool, error)
	// FieldValue returns the stored ciphertext, empty when no value is set.
	FieldValue(ctx context.Context, entityType, entityID, field string) (string, error)
	Decrypt(ctx context.Context, entityType, entityID, field string) (string, error)
	SetSecret(ctx context.Context, entityType, entityID, field, plaintext string) error
	// Match returns ids of documents whose attributes equal every filter entry.
	Match(ctx context.Context, entityType string, filter map[string]string) ([]string, error)
}

// Schema is the entity type registry.
type Schema interface {
	EntityTypeExists(ctx context.Context, entityType string) (bool, error)
	Fields(ctx context.Context, entityType string) ([]Field, error)
}

// Identity resolves actor roles.
type Identity interface {
	Roles(ctx context.Context, actor string) ([]string, error)
}

// IsSecretField reports whether field exists on entityType and holds a secret.
func IsSecretField(ctx context.Context, schema Schema, entityType, field string) (bool, error) {
	fields, err := schema.Fields(ctx, entityType)
	if err != nil {
		return false, err
	}
	for _, f := range fields {
		if f.Name == field {
			return f.Type == FieldSecret, nil
		}
	}
	return false, nil
}
