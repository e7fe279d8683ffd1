package docstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"revealguard.org/internal/sealer"
)

type memDoc struct {
	attrs   map[string]string
	secrets map[string]string
	readers map[string]struct{}
}

// Memory implements Documents, Schema and Identity in process memory.
type Memory struct {
	mu      sync.RWMutex
	sealer  sealer.Sealer
	schemas map[string][]Field
	docs    map[string]map[string]*memDoc
	roles   map[string][]string
}

func NewMemory(s sealer.Sealer) *Memory {
	return &Memory{
		sealer:  s,
		schemas: make(map[string][]Field),
		docs:    make(map[string]map[string]*memDoc),
		roles:   make(map[string][]string),
	}
}

// DefineType registers an entity type with its fields.
func (m *Memory) DefineType(entityType string, fields ...Field) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemas[entityType] = append([]Field(nil), fields...)
}

// PutDocument creates or replaces the attributes of a document.
func (m *Memory) PutDocument(entityType, entityID string, attrs map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.doc(entityType, entityID, true)
	d.attrs = make(map[string]string, len(attrs))
	for k, v := range attrs {
		d.attrs[k] = v
	}
}

// GrantRead gives actor read permission on a document.
func (m *Memory) GrantRead(actor, entityType, entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.doc(entityType, entityID, true)
	d.readers[actor] = struct{}{}
}

// SetRoles replaces the roles of an actor.
func (m *Memory) SetRoles(actor string, roles ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[actor] = append([]string(nil), roles...)
}

// SetCiphertext stores a raw value; tests use it to plant corrupt data.
func (m *Memory) SetCiphertext(entityType, entityID, field, ciphertext string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc(entityType, entityID, true).secrets[field] = ciphertext
}

func (m *Memory) doc(entityType, entityID string, create bool) *memDoc {
	byID, ok := m.docs[entityType]
	if !ok {
		if !create {
			return nil
		}
		byID = make(map[string]*memDoc)
		m.docs[entityType] = byID
	}
	d, ok := byID[entityID]
	if !ok && create {
		d = &memDoc{attrs: map[string]string{}, secrets: map[string]string{}, readers: map[string]struct{}{}}
		byID[entityID] = d
	}
	return d
}

func (m *Memory) Exists(_ context.Context, entityType, entityID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.doc(entityType, entityID, false) != nil, nil
}

func (m *Memory) HasReadPermission(_ context.Context, actor, entityType, entityID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d := m.doc(entityType, entityID, false)
	if d == nil {
		return false, nil
	}
	_, ok := d.readers[actor]
	return ok, nil
}

func (m *Memory) FieldValue(_ context.Context, entityType, entityID, field string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d := m.doc(entityType, entityID, false)
	if d == nil {
		return "", ErrNotFound
	}
	return d.secrets[field], nil
}

func (m *Memory) Decrypt(ctx context.Context, entityType, entityID, field string) (string, error) {
	ct, err := m.FieldValue(ctx, entityType, entityID, field)
	if err != nil {
		return "", err
	}
	if ct == "" {
		return "", nil
	}
	return m.sealer.Open(sealer.Location(entityType, entityID, field), ct)
}

func (m *Memory) SetSecret(_ context.Context, entityType, entityID, field, plaintext string) error {
	ct := ""
	if plaintext != "" {
		var err error
		ct, err = m.sealer.Seal(sealer.Location(entityType, entityID, field), plaintext)
		if err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.doc(entityType, entityID, false)
	if d == nil {
		return ErrNotFound
	}
	d.secrets[field] = ct
	return nil
}

func (m *Memory) Match(_ context.Context, entityType string, filter map[string]string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, d := range m.docs[entityType] {
		ok := true
		for k, v := range filter {
			if d.attrs[k] != v {
				ok = false
				break
			}
		}
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) EntityTypeExists(_ context.Context, entityType string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.schemas[entityType]
	return ok, nil
}

func (m *Memory) Fields(_ context.Context, entityType string) ([]Field, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fields, ok := m.schemas[entityType]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]Field(nil), fields...), nil
}

func (m *Memory) Roles(_ context.Context, actor string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.roles[actor]))
	for _, r := range m.roles[actor] {
		out = append(out, strings.ToLower(strings.TrimSpace(r)))
	}
	return out, nil
}
