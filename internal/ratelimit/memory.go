package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCounter is a process-local Counter used when no Redis is configured.
type MemoryCounter struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string]entry
}

type entry struct {
	count   int64
	resetAt time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{now: time.Now, items: make(map[string]entry)}
}

// WithClock overrides the time source; tests use it to step over window boundaries.
func (c *MemoryCounter) WithClock(fn func() time.Time) *MemoryCounter {
	if fn != nil {
		c.now = fn
	}
	return c
}

func (c *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanup(now)
	curr, ok := c.items[key]
	if !ok {
		curr = entry{resetAt: now.Add(window)}
	}
	curr.count++
	c.items[key] = curr
	return curr.count, curr.resetAt.Sub(now), nil
}

func (c *MemoryCounter) Get(_ context.Context, key string) (int64, error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	curr, ok := c.items[key]
	if !ok || !now.Before(curr.resetAt) {
		return 0, nil
	}
	return curr.count, nil
}

func (c *MemoryCounter) TTL(_ context.Context, key string) (time.Duration, error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	curr, ok := c.items[key]
	if !ok || !now.Before(curr.resetAt) {
		return 0, nil
	}
	return curr.resetAt.Sub(now), nil
}

func (c *MemoryCounter) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

func (c *MemoryCounter) cleanup(now time.Time) {
	for k, v := range c.items {
		if !now.Before(v.resetAt) {
			delete(c.items, k)
		}
	}
}
