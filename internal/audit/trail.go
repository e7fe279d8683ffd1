package audit

import (
	"context"
	"fmt"
	"time"

	"revealguard.org/internal/ids"
	"revealguard.org/internal/obs"
)

// Entry records one reveal attempt. Entries are append-only and only ever
// removed by retention cleanup.
type Entry struct {
	ID         string    `json:"id"`
	Actor      string    `json:"actor"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Field      string    `json:"field"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Note       string    `json:"note,omitempty"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// FailedAttempts aggregates failures per actor.
type FailedAttempts struct {
	Actor       string    `json:"actor"`
	Count       int       `json:"attempt_count"`
	LastAttempt time.Time `json:"last_attempt"`
	IPs         []string  `json:"ip_addresses"`
}

// Stats aggregates the trail over a period.
type Stats struct {
	Total             int     `json:"total_attempts"`
	Successful        int     `json:"successful"`
	Failed            int     `json:"failed"`
	UniqueActors      int     `json:"unique_actors"`
	UniqueEntityTypes int     `json:"unique_entity_types"`
	SuccessRate       float64 `json:"success_rate"`
}

// Breakdown counts entries per key.
type Breakdown struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Query bounds a history listing. Zero times are open bounds.
type Query struct {
	Limit int
	From  time.Time
	To    time.Time
}

// Store persists audit entries.
type Store interface {
	Append(ctx context.Context, e Entry) error
	UserHistory(ctx context.Context, actor string, q Query) ([]Entry, error)
	DocumentHistory(ctx context.Context, entityType, entityID string, limit int) ([]Entry, error)
	FailedAttempts(ctx context.Context, since time.Time, minAttempts int) ([]FailedAttempts, error)
	Statistics(ctx context.Context, since time.Time) (Stats, error)
	CountSuccessful(ctx context.Context, actor string, since time.Time) (int, error)
	TopActors(ctx context.Context, since time.Time, limit int) ([]Breakdown, error)
	TopEntityTypes(ctx context.Context, since time.Time, limit int) ([]Breakdown, error)
	// DeleteBefore removes entries with a timestamp strictly before cutoff.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Recorder writes entries on a best-effort basis.
type Recorder struct {
	store Store
	now   func() time.Time
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// WithClock overrides the time source.
func (r *Recorder) WithClock(fn func() time.Time) *Recorder {
	if fn != nil {
		r.now = fn
	}
	return r
}

// Record fills the id and timestamp and appends the entry. Failures are logged
// and never returned.
func (r *Recorder) Record(ctx context.Context, e Entry) Entry {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now().UTC()
	}
	if r.store == nil {
		return e
	}
	if err := r.store.Append(ctx, e); err != nil {
		obs.Error("audit append failed", map[string]any{
			"actor":       e.Actor,
			"entity_type": e.EntityType,
			"entity_id":   e.EntityID,
			"field":       e.Field,
			"success":     e.Success,
			"err":         err,
		})
	}
	return e
}

// Cleanup removes entries older than retentionDays days.
func (r *Recorder) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays < 1 {
		return 0, fmt.Errorf("retention must be at least one day, got %d", retentionDays)
	}
	cutoff := r.now().UTC().AddDate(0, 0, -retentionDays)
	n, err := r.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	obs.Info("audit retention cleanup", map[string]any{"deleted": n, "cutoff": cutoff.Format(time.RFC3339)})
	return n, nil
}

// Store returns the underlying store for read paths.
func (r *Recorder) Store() Store { return r.store }

// Now returns the recorder's current time.
func (r *Recorder) Now() time.Time { return r.now() }
