package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"revealguard.org/internal/ids"
	"revealguard.org/internal/notify"
	"revealguard.org/internal/obs"
)

// Record is the immutable per-attempt session row.
type Record struct {
	ID          string    `json:"id"`
	Actor       string    `json:"actor"`
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	Field       string    `json:"field"`
	IP          string    `json:"ip,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
	Fingerprint string    `json:"device_fingerprint,omitempty"`
	Geolocation string    `json:"geolocation,omitempty"`
	Success     bool      `json:"success"`
	Score       int       `json:"anomaly_score"`
	Suspicious  bool      `json:"is_suspicious"`
	Reasons     []string  `json:"anomaly_reasons,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Attempt is the tracker input for one reveal attempt.
type Attempt struct {
	Actor      string
	EntityType string
	EntityID   string
	Field      string
	IP         string
	UserAgent  string
	Success    bool
}

// Store persists session records and answers the scorer's lookback queries.
type Store interface {
	Insert(ctx context.Context, r Record) error
	// RecentIPs returns the actor's most recent distinct non-empty IPs.
	RecentIPs(ctx context.Context, actor string, limit int) ([]string, error)
	// RecentFingerprints returns the actor's most recent distinct non-empty fingerprints.
	RecentFingerprints(ctx context.Context, actor string, limit int) ([]string, error)
	CountSince(ctx context.Context, actor string, since time.Time) (int, error)
	History(ctx context.Context, actor string, limit, offset int) ([]Record, error)
	// Suspicious lists suspicious records since a time, by score then recency.
	Suspicious(ctx context.Context, since time.Time, limit int) ([]Record, error)
	Since(ctx context.Context, since time.Time) ([]Record, error)
}

type Tracker struct {
	store      Store
	notifier   notify.Notifier
	recipients []string
	loc        *time.Location
	now        func() time.Time
}

type Option func(*Tracker)

// WithNotifier sets where suspicious-session alerts are sent.
func WithNotifier(n notify.Notifier, recipients []string) Option {
	return func(t *Tracker) {
		t.notifier = n
		t.recipients = append([]string(nil), recipients...)
	}
}

// WithLocation sets the time zone used for the time-of-day signal.
func WithLocation(loc *time.Location) Option {
	return func(t *Tracker) {
		if loc != nil {
			t.loc = loc
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(t *Tracker) {
		if fn != nil {
			t.now = fn
		}
	}
}

func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{store: store, notifier: notify.Noop{}, loc: time.UTC, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track scores the attempt against the actor's history, persists it and raises
// an alert when it is suspicious. Lookback failures degrade to an empty history.
func (t *Tracker) Track(ctx context.Context, a Attempt) (Record, error) {
	now := t.now().UTC()
	r := Record{
		ID:          ids.New(),
		Actor:       a.Actor,
		EntityType:  a.EntityType,
		EntityID:    a.EntityID,
		Field:       a.Field,
		IP:          a.IP,
		UserAgent:   a.UserAgent,
		Fingerprint: Fingerprint(a.UserAgent, a.IP),
		Geolocation: Geolocate(a.IP),
		Success:     a.Success,
		Timestamp:   now,
	}

	sig := Signals{
		At:          now.In(t.loc),
		IP:          r.IP,
		Fingerprint: r.Fingerprint,
		Failed:      !a.Success,
	}
	if r.IP != "" {
		ips, err := t.store.RecentIPs(ctx, a.Actor, ipLookback)
		if err != nil {
			t.lookbackFailed("recent_ips", a.Actor, err)
		}
		sig.RecentIPs = ips
	}
	if r.Fingerprint != "" {
		fps, err := t.store.RecentFingerprints(ctx, a.Actor, deviceLookback)
		if err != nil {
			t.lookbackFailed("recent_fingerprints", a.Actor, err)
		}
		sig.RecentFingerprints = fps
	}
	n, err := t.store.CountSince(ctx, a.Actor, now.Add(-rapidWindow))
	if err != nil {
		t.lookbackFailed("recent_count", a.Actor, err)
	}
	sig.RecentAttempts = n

	r.Score, r.Reasons = Score(sig)
	r.Suspicious = IsSuspicious(r.Score)
	obs.AnomalyScore.Observe(float64(r.Score))

	if err := t.store.Insert(ctx, r); err != nil {
		return r, fmt.Errorf("insert session: %w", err)
	}
	if r.Suspicious {
		obs.SuspiciousSessions.Inc()
		t.alert(ctx, r)
	}
	return r, nil
}

func (t *Tracker) lookbackFailed(query, actor string, err error) {
	obs.Warn("session lookback failed", map[string]any{"query": query, "actor": actor, "err": err})
}

func (t *Tracker) alert(ctx context.Context, r Record) {
	obs.Warn("suspicious reveal session", map[string]any{
		"actor":   r.Actor,
		"target":  r.EntityType + "/" + r.EntityID,
		"ip":      r.IP,
		"score":   r.Score,
		"reasons": r.Reasons,
	})
	if len(t.recipients) == 0 {
		return
	}
	reasons := "N/A"
	if len(r.Reasons) > 0 {
		reasons = strings.Join(r.Reasons, "; ")
	}
	msg := notify.Message{
		Recipients: t.recipients,
		Subject:    "Suspicious secret reveal activity detected",
		Body: fmt.Sprintf("Actor: %s\nEntity type: %s\nDocument: %s\nIP address: %s\nAnomaly score: %d/100\nReasons: %s\nTime: %s",
			r.Actor, r.EntityType, r.EntityID, r.IP, r.Score, reasons, r.Timestamp.Format(time.RFC3339)),
	}
	if err := t.notifier.Send(ctx, msg); err != nil {
		obs.Error("suspicious activity alert failed", map[string]any{"actor": r.Actor, "err": err})
	}
}

// History returns the actor's sessions newest first.
func (t *Tracker) History(ctx context.Context, actor string, limit, offset int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return t.store.History(ctx, actor, limit, offset)
}

// Suspicious lists suspicious sessions from the last days days.
func (t *Tracker) Suspicious(ctx context.Context, days int) ([]Record, error) {
	if days <= 0 {
		days = 7
	}
	return t.store.Suspicious(ctx, t.now().UTC().AddDate(0, 0, -days), 0)
}
