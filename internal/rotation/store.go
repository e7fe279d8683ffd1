package rotation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("rotation policy not found")

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// History is the outcome of rotating one document.
type History struct {
	ID         string    `json:"id"`
	PolicyID   string    `json:"policy_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	RotatedAt  time.Time `json:"rotated_at"`
}

// Store persists policies and their per-document history.
type Store interface {
	GetPolicy(ctx context.Context, id string) (Policy, error)
	SavePolicy(ctx context.Context, p Policy) error
	ListPolicies(ctx context.Context) ([]Policy, error)
	DuePolicies(ctx context.Context, now time.Time) ([]Policy, error)
	AppendHistory(ctx context.Context, h History) error
	// RotatedSince returns the documents rotated successfully by policyID
	// strictly after since. A nil since matches every success.
	RotatedSince(ctx context.Context, policyID string, since *time.Time) (map[string]bool, error)
	History(ctx context.Context, policyID string, limit int) ([]History, error)
}

type MemoryStore struct {
	mu       sync.Mutex
	policies map[string]Policy
	history  []History
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]Policy)}
}

func clonePolicy(p Policy) Policy {
	if p.Filter != nil {
		f := make(map[string]string, len(p.Filter))
		for k, v := range p.Filter {
			f[k] = v
		}
		p.Filter = f
	}
	return p
}

func (m *MemoryStore) GetPolicy(_ context.Context, id string) (Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[id]
	if !ok {
		return Policy{}, ErrNotFound
	}
	return clonePolicy(p), nil
}

func (m *MemoryStore) SavePolicy(_ context.Context, p Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.ID] = clonePolicy(p)
	return nil
}

func (m *MemoryStore) ListPolicies(context.Context) ([]Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Policy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, clonePolicy(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DuePolicies(ctx context.Context, now time.Time) ([]Policy, error) {
	all, _ := m.ListPolicies(ctx)
	var out []Policy
	for _, p := range all {
		if p.Due(now) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendHistory(_ context.Context, h History) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, h)
	return nil
}

func (m *MemoryStore) RotatedSince(_ context.Context, policyID string, since *time.Time) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool)
	for _, h := range m.history {
		if h.PolicyID != policyID || h.Status != StatusSuccess {
			continue
		}
		if since == nil || h.RotatedAt.After(*since) {
			out[h.EntityID] = true
		}
	}
	return out, nil
}

func (m *MemoryStore) History(_ context.Context, policyID string, limit int) ([]History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []History
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].PolicyID == policyID {
			out = append(out, m.history[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
