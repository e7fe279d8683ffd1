package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps session records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Insert(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Reasons = append([]string(nil), r.Reasons...)
	m.records = append(m.records, r)
	return nil
}

// byActorNewestFirst must be called with the lock held.
func (m *MemoryStore) byActorNewestFirst(actor string) []Record {
	var out []Record
	for _, r := range m.records {
		if r.Actor == actor {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

func (m *MemoryStore) RecentIPs(_ context.Context, actor string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return distinct(m.byActorNewestFirst(actor), limit, func(r Record) string { return r.IP }), nil
}

func (m *MemoryStore) RecentFingerprints(_ context.Context, actor string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return distinct(m.byActorNewestFirst(actor), limit, func(r Record) string { return r.Fingerprint }), nil
}

func distinct(rs []Record, limit int, key func(Record) string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, r := range rs {
		k := key(r)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (m *MemoryStore) CountSince(_ context.Context, actor string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.records {
		if r.Actor == actor && r.Timestamp.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) History(_ context.Context, actor string, limit, offset int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs := m.byActorNewestFirst(actor)
	if offset >= len(rs) {
		return nil, nil
	}
	rs = rs[offset:]
	if limit > 0 && len(rs) > limit {
		rs = rs[:limit]
	}
	return rs, nil
}

func (m *MemoryStore) Suspicious(_ context.Context, since time.Time, limit int) ([]Record, error) {
	m.mu.RLock()
	var out []Record
	for _, r := range m.records {
		if r.Suspicious && !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	sortSuspicious(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Since(_ context.Context, since time.Time) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}
