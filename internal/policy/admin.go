package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"revealguard.org/internal/docstore"
	"revealguard.org/internal/errs"
	"revealguard.org/internal/obs"
)

// BulkResult summarises a bulk matrix save.
type BulkResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Total   int `json:"total"`
	Failed  int `json:"failed"`
}

// Admin manages trusted actors, the entity type allowlist and the field matrix.
type Admin struct {
	store  Store
	schema docstore.Schema
}

func NewAdmin(store Store, schema docstore.Schema) *Admin {
	return &Admin{store: store, schema: schema}
}

func (a *Admin) SetTrusted(ctx context.Context, actor string, enabled bool) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return errs.Validation(CodeInvalidParameters, "actor is required")
	}
	return a.store.SetTrusted(ctx, actor, enabled)
}

func (a *Admin) SetAllowedEntityType(ctx context.Context, entityType string, enabled bool) error {
	entityType = strings.TrimSpace(entityType)
	if err := a.requireEntityType(ctx, entityType); err != nil {
		return err
	}
	return a.store.SetAllowedEntityType(ctx, entityType, enabled)
}

// CreateFieldRule inserts a new rule, ErrConflict when one exists for the same key.
func (a *Admin) CreateFieldRule(ctx context.Context, rule FieldRule) error {
	rule, err := a.validateRule(ctx, rule)
	if err != nil {
		return err
	}
	if err := a.store.InsertFieldRule(ctx, rule); err != nil {
		if errors.Is(err, ErrConflict) {
			return fmt.Errorf("%w: rule already exists for %s on %s.%s", ErrConflict, rule.Role, rule.EntityType, rule.Field)
		}
		return err
	}
	return nil
}

// UpsertFieldRule creates the rule or updates can_reveal on the existing one.
func (a *Admin) UpsertFieldRule(ctx context.Context, rule FieldRule) (created bool, err error) {
	rule, err = a.validateRule(ctx, rule)
	if err != nil {
		return false, err
	}
	err = a.store.InsertFieldRule(ctx, rule)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, ErrConflict) {
		return false, err
	}
	if err := a.store.UpdateFieldRule(ctx, rule); err != nil {
		return false, err
	}
	return false, nil
}

// BulkUpsertFieldRules saves every rule independently; failures are logged and counted.
func (a *Admin) BulkUpsertFieldRules(ctx context.Context, rules []FieldRule) BulkResult {
	var res BulkResult
	for _, rule := range rules {
		created, err := a.UpsertFieldRule(ctx, rule)
		if err != nil {
			res.Failed++
			obs.Warn("field rule save failed", map[string]any{
				"entity_type": rule.EntityType,
				"field":       rule.Field,
				"role":        rule.Role,
				"err":         err,
			})
			continue
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
	}
	res.Total = res.Created + res.Updated
	return res
}

func (a *Admin) FieldRules(ctx context.Context, filter RuleFilter) ([]FieldRule, error) {
	filter.Role = strings.ToLower(strings.TrimSpace(filter.Role))
	return a.store.ListFieldRules(ctx, filter)
}

// SecretFields lists the secret fields of an entity type.
func (a *Admin) SecretFields(ctx context.Context, entityType string) ([]string, error) {
	fields, err := a.schema.Fields(ctx, entityType)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, f := range fields {
		if f.Type == docstore.FieldSecret {
			out = append(out, f.Name)
		}
	}
	return out, nil
}

func (a *Admin) validateRule(ctx context.Context, rule FieldRule) (FieldRule, error) {
	rule.EntityType = strings.TrimSpace(rule.EntityType)
	rule.Field = strings.TrimSpace(rule.Field)
	rule.Role = strings.ToLower(strings.TrimSpace(rule.Role))
	if rule.Role == "" || rule.Field == "" {
		return rule, errs.Validation(CodeInvalidParameters, "entity_type, field and role are required")
	}
	if err := a.requireEntityType(ctx, rule.EntityType); err != nil {
		return rule, err
	}
	fields, err := a.schema.Fields(ctx, rule.EntityType)
	if err != nil {
		return rule, err
	}
	for _, f := range fields {
		if f.Name == rule.Field {
			return rule, nil
		}
	}
	return rule, errs.Validation(CodeInvalidParameters, fmt.Sprintf("Field %s does not exist in %s", rule.Field, rule.EntityType))
}

func (a *Admin) requireEntityType(ctx context.Context, entityType string) error {
	if entityType == "" {
		return errs.Validation(CodeInvalidParameters, "entity type is required")
	}
	ok, err := a.schema.EntityTypeExists(ctx, entityType)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Validation(CodeUnknownEntityType, fmt.Sprintf("Entity type %s does not exist", entityType))
	}
	return nil
}
