package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// All returns a copy of every entry in insertion order.
func (m *MemoryStore) All() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Entry(nil), m.entries...)
}

func (m *MemoryStore) newestFirst(match func(Entry) bool, limit int) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if match(m.entries[i]) {
			out = append(out, m.entries[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) UserHistory(_ context.Context, actor string, q Query) ([]Entry, error) {
	return m.newestFirst(func(e Entry) bool {
		if e.Actor != actor {
			return false
		}
		if !q.From.IsZero() && e.Timestamp.Before(q.From) {
			return false
		}
		if !q.To.IsZero() && e.Timestamp.After(q.To) {
			return false
		}
		return true
	}, q.Limit), nil
}

func (m *MemoryStore) DocumentHistory(_ context.Context, entityType, entityID string, limit int) ([]Entry, error) {
	return m.newestFirst(func(e Entry) bool {
		return e.EntityType == entityType && e.EntityID == entityID
	}, limit), nil
}

func (m *MemoryStore) FailedAttempts(_ context.Context, since time.Time, minAttempts int) ([]FailedAttempts, error) {
	m.mu.RLock()
	byActor := make(map[string]*FailedAttempts)
	seenIP := make(map[string]map[string]struct{})
	for _, e := range m.entries {
		if e.Success || e.Timestamp.Before(since) {
			continue
		}
		fa, ok := byActor[e.Actor]
		if !ok {
			fa = &FailedAttempts{Actor: e.Actor}
			byActor[e.Actor] = fa
			seenIP[e.Actor] = make(map[string]struct{})
		}
		fa.Count++
		if e.Timestamp.After(fa.LastAttempt) {
			fa.LastAttempt = e.Timestamp
		}
		if _, dup := seenIP[e.Actor][e.IP]; e.IP != "" && !dup {
			seenIP[e.Actor][e.IP] = struct{}{}
			fa.IPs = append(fa.IPs, e.IP)
		}
	}
	m.mu.RUnlock()

	var out []FailedAttempts
	for _, fa := range byActor {
		if fa.Count >= minAttempts {
			sort.Strings(fa.IPs)
			out = append(out, *fa)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Actor < out[j].Actor
	})
	return out, nil
}

func (m *MemoryStore) Statistics(_ context.Context, since time.Time) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var st Stats
	actors := map[string]struct{}{}
	types := map[string]struct{}{}
	for _, e := range m.entries {
		if e.Timestamp.Before(since) {
			continue
		}
		st.Total++
		if e.Success {
			st.Successful++
		} else {
			st.Failed++
		}
		actors[e.Actor] = struct{}{}
		types[e.EntityType] = struct{}{}
	}
	st.UniqueActors = len(actors)
	st.UniqueEntityTypes = len(types)
	if st.Total > 0 {
		st.SuccessRate = float64(st.Successful) / float64(st.Total) * 100
	}
	return st, nil
}

func (m *MemoryStore) CountSuccessful(_ context.Context, actor string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.entries {
		if e.Actor == actor && e.Success && !e.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) TopActors(_ context.Context, since time.Time, limit int) ([]Breakdown, error) {
	return m.topBy(since, limit, func(e Entry) string { return e.Actor }), nil
}

func (m *MemoryStore) TopEntityTypes(_ context.Context, since time.Time, limit int) ([]Breakdown, error) {
	return m.topBy(since, limit, func(e Entry) string { return e.EntityType }), nil
}

func (m *MemoryStore) topBy(since time.Time, limit int, key func(Entry) string) []Breakdown {
	m.mu.RLock()
	counts := map[string]int{}
	for _, e := range m.entries {
		if !e.Timestamp.Before(since) {
			counts[key(e)]++
		}
	}
	m.mu.RUnlock()
	out := make([]Breakdown, 0, len(counts))
	for k, c := range counts {
		out = append(out, Breakdown{Key: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	removed := 0
	for _, e := range m.entries {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return removed, nil
}
