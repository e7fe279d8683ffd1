// Package ratelimit implements the fixed-window per-(actor, action) limiter
// that gates reveal calls before any policy check runs.
package ratelimit

import (
	"context"
	"strings"
	"time"

	"revealguard.org/internal/obs"
)

const keyPrefix = "rate_limit:"

// Counter is an atomic increment-and-expire store. Incr sets the expiry only
// when it creates the key, so the window is fixed from the first call.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
	Get(ctx context.Context, key string) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Delete(ctx context.Context, key string) error
}

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetIn   time.Duration
	// Degraded is set when the counter backend failed and the call was let through.
	Degraded bool
}

type Limiter struct {
	counter Counter
}

func New(counter Counter) *Limiter {
	return &Limiter{counter: counter}
}

// Key returns the counter key for an (actor, action) pair.
func Key(actor, action string) string {
	return keyPrefix + strings.TrimSpace(action) + ":" + strings.TrimSpace(actor)
}

// Allow counts the call and reports whether it fits into the current window.
// Backend faults fail open.
func (l *Limiter) Allow(ctx context.Context, actor, action string, maxCalls int, window time.Duration) Decision {
	if maxCalls <= 0 {
		maxCalls = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if l == nil || l.counter == nil {
		return Decision{Allowed: true, Limit: maxCalls, Remaining: maxCalls, ResetIn: window, Degraded: true}
	}
	count, ttl, err := l.counter.Incr(ctx, Key(actor, action), window)
	if err != nil {
		obs.Warn("rate limiter backend unavailable, allowing call", map[string]any{
			"actor":  actor,
			"action": action,
			"err":    err,
		})
		obs.RateLimitDecisions.WithLabelValues(action, "degraded").Inc()
		return Decision{Allowed: true, Limit: maxCalls, Remaining: maxCalls, ResetIn: window, Degraded: true}
	}
	if ttl <= 0 {
		ttl = window
	}
	remaining := maxCalls - int(count)
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   int(count) <= maxCalls,
		Count:     int(count),
		Limit:     maxCalls,
		Remaining: remaining,
		ResetIn:   ttl,
	}
	if d.Allowed {
		obs.RateLimitDecisions.WithLabelValues(action, "allowed").Inc()
	} else {
		obs.RateLimitDecisions.WithLabelValues(action, "denied").Inc()
		obs.Warn("rate limit exceeded", map[string]any{
			"actor":    actor,
			"action":   action,
			"count":    count,
			"reset_in": ttl.String(),
		})
	}
	return d
}

// Remaining returns how many calls are left in the current window.
func (l *Limiter) Remaining(ctx context.Context, actor, action string, maxCalls int) int {
	if l == nil || l.counter == nil {
		return maxCalls
	}
	current, err := l.counter.Get(ctx, Key(actor, action))
	if err != nil {
		obs.Warn("rate limiter remaining lookup failed", map[string]any{"actor": actor, "action": action, "err": err})
		return maxCalls
	}
	remaining := maxCalls - int(current)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ResetIn returns the time until the active window expires, zero when none is active.
func (l *Limiter) ResetIn(ctx context.Context, actor, action string) time.Duration {
	if l == nil || l.counter == nil {
		return 0
	}
	ttl, err := l.counter.TTL(ctx, Key(actor, action))
	if err != nil {
		obs.Warn("rate limiter ttl lookup failed", map[string]any{"actor": actor, "action": action, "err": err})
		return 0
	}
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Reset clears the counter for an (actor, action) pair.
func (l *Limiter) Reset(ctx context.Context, actor, action string) error {
	if l == nil || l.counter == nil {
		return nil
	}
	return l.counter.Delete(ctx, Key(actor, action))
}
