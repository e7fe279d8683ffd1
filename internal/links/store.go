package links

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("link not found")

// Link is a temporary, token-gated grant to a secret captured at issuance.
type Link struct {
	ID             string     `json:"-"`
	LinkID         string     `json:"link_id"`
	TokenHash      string     `json:"-"`
	EntityType     string     `json:"entity_type"`
	EntityID       string     `json:"entity_id"`
	Field          string     `json:"field"`
	SealedSecret   string     `json:"-"`
	CreatedBy      string     `json:"created_by"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	MaxUses        int        `json:"max_uses"`
	CurrentUses    int        `json:"current_uses"`
	Active         bool       `json:"is_active"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	LastAccessedBy string     `json:"last_accessed_by,omitempty"`
}

// AccessLog is one access attempt against a link.
type AccessLog struct {
	LinkID     string    `json:"link_id"`
	AccessedAt time.Time `json:"accessed_at"`
	AccessedBy string    `json:"accessed_by"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// Store persists links.
type Store interface {
	Insert(ctx context.Context, l Link) error
	Get(ctx context.Context, linkID string) (Link, error)
	// ConsumeUse increments current_uses only if it still equals expected and the
	// link is usable at the given time. It deactivates the link when the
	// increment reaches max_uses and reports whether the swap happened.
	ConsumeUse(ctx context.Context, linkID string, expected int, at time.Time, accessedBy string) (bool, error)
	AppendAccess(ctx context.Context, entry AccessLog) error
	AccessLogs(ctx context.Context, linkID string) ([]AccessLog, error)
	Revoke(ctx context.Context, linkID string, at time.Time) error
	ListByCreator(ctx context.Context, actor string, limit int) ([]Link, error)
	// DeactivateExpired sets is_active=false on active links expired at now.
	DeactivateExpired(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore keeps links in process memory; a single mutex serializes use consumption.
type MemoryStore struct {
	mu     sync.Mutex
	links  map[string]*Link
	access map[string][]AccessLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{links: make(map[string]*Link), access: make(map[string][]AccessLog)}
}

func (m *MemoryStore) Insert(_ context.Context, l Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.links[l.LinkID]; ok {
		return errors.New("duplicate link id")
	}
	cp := l
	m.links[l.LinkID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, linkID string) (Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[linkID]
	if !ok {
		return Link{}, ErrNotFound
	}
	return *l, nil
}

func (m *MemoryStore) ConsumeUse(_ context.Context, linkID string, expected int, at time.Time, accessedBy string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[linkID]
	if !ok {
		return false, ErrNotFound
	}
	if l.CurrentUses != expected || !l.Active || l.RevokedAt != nil || !at.Before(l.ExpiresAt) || l.CurrentUses >= l.MaxUses {
		return false, nil
	}
	l.CurrentUses++
	if l.CurrentUses >= l.MaxUses {
		l.Active = false
	}
	ts := at
	l.LastAccessedAt = &ts
	l.LastAccessedBy = accessedBy
	return true, nil
}

func (m *MemoryStore) AppendAccess(_ context.Context, entry AccessLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.access[entry.LinkID] = append(m.access[entry.LinkID], entry)
	return nil
}

func (m *MemoryStore) AccessLogs(_ context.Context, linkID string) ([]AccessLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AccessLog(nil), m.access[linkID]...), nil
}

func (m *MemoryStore) Revoke(_ context.Context, linkID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[linkID]
	if !ok {
		return ErrNotFound
	}
	l.Active = false
	if l.RevokedAt == nil {
		ts := at
		l.RevokedAt = &ts
	}
	return nil
}

func (m *MemoryStore) ListByCreator(_ context.Context, actor string, limit int) ([]Link, error) {
	m.mu.Lock()
	var out []Link
	for _, l := range m.links {
		if l.CreatedBy == actor {
			out = append(out, *l)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DeactivateExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.links {
		if l.Active && !now.Before(l.ExpiresAt) {
			l.Active = false
			n++
		}
	}
	return n, nil
}
