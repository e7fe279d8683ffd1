package policy

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// TrustedActor is an identity explicitly enabled to reveal secrets.
type TrustedActor struct {
	Actor     string    `json:"actor"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AllowedEntityType is an allowlist entry for reveal.
type AllowedEntityType struct {
	EntityType string    `json:"entity_type"`
	Enabled    bool      `json:"enabled"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// FieldRule is one entry of the field permission matrix. At most one rule
// exists per (entity type, field, role).
type FieldRule struct {
	EntityType string `json:"entity_type"`
	Field      string `json:"field"`
	Role       string `json:"role"`
	CanReveal  bool   `json:"can_reveal"`
}

// RuleFilter narrows FieldRules listings; empty fields match everything.
type RuleFilter struct {
	EntityType string
	Field      string
	Role       string
}

// Store persists the policy tables.
type Store interface {
	IsTrusted(ctx context.Context, actor string) (bool, error)
	SetTrusted(ctx context.Context, actor string, enabled bool) error
	CountTrusted(ctx context.Context) (int, error)
	IsEntityTypeAllowed(ctx context.Context, entityType string) (bool, error)
	SetAllowedEntityType(ctx context.Context, entityType string, enabled bool) error
	AllowedEntityTypes(ctx context.Context) ([]string, error)
	RulesFor(ctx context.Context, entityType, field string) ([]FieldRule, error)
	// InsertFieldRule returns ErrConflict when a rule for the same key exists.
	InsertFieldRule(ctx context.Context, rule FieldRule) error
	// UpdateFieldRule returns ErrNotFound when no rule for the key exists.
	UpdateFieldRule(ctx context.Context, rule FieldRule) error
	ListFieldRules(ctx context.Context, filter RuleFilter) ([]FieldRule, error)
}

type ruleKey struct {
	entityType, field, role string
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	trusted map[string]bool
	types   map[string]bool
	rules   map[ruleKey]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trusted: make(map[string]bool),
		types:   make(map[string]bool),
		rules:   make(map[ruleKey]bool),
	}
}

func (m *MemoryStore) IsTrusted(_ context.Context, actor string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trusted[actor], nil
}

func (m *MemoryStore) SetTrusted(_ context.Context, actor string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trusted[actor] = enabled
	return nil
}

func (m *MemoryStore) CountTrusted(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, enabled := range m.trusted {
		if enabled {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) IsEntityTypeAllowed(_ context.Context, entityType string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.types[entityType], nil
}

func (m *MemoryStore) SetAllowedEntityType(_ context.Context, entityType string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types[entityType] = enabled
	return nil
}

func (m *MemoryStore) AllowedEntityTypes(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for t, enabled := range m.types {
		if enabled {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) RulesFor(ctx context.Context, entityType, field string) ([]FieldRule, error) {
	return m.ListFieldRules(ctx, RuleFilter{EntityType: entityType, Field: field})
}

func (m *MemoryStore) InsertFieldRule(_ context.Context, rule FieldRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ruleKey{rule.EntityType, rule.Field, rule.Role}
	if _, ok := m.rules[k]; ok {
		return ErrConflict
	}
	m.rules[k] = rule.CanReveal
	return nil
}

func (m *MemoryStore) UpdateFieldRule(_ context.Context, rule FieldRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ruleKey{rule.EntityType, rule.Field, rule.Role}
	if _, ok := m.rules[k]; !ok {
		return ErrNotFound
	}
	m.rules[k] = rule.CanReveal
	return nil
}

func (m *MemoryStore) ListFieldRules(_ context.Context, filter RuleFilter) ([]FieldRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []FieldRule
	for k, can := range m.rules {
		if filter.EntityType != "" && k.entityType != filter.EntityType {
			continue
		}
		if filter.Field != "" && k.field != filter.Field {
			continue
		}
		if filter.Role != "" && k.role != filter.Role {
			continue
		}
		out = append(out, FieldRule{EntityType: k.entityType, Field: k.field, Role: k.role, CanReveal: can})
	}
	sortRules(out)
	return out, nil
}

func sortRules(rules []FieldRule) {
	sort.Slice(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		return a.Role < b.Role
	})
}
