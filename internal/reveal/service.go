// Package reveal orchestrates a single secret reveal: rate limit, second
// factor, policy gate, decryption and the audit and session trail.
package reveal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"revealguard.org/internal/audit"
	"revealguard.org/internal/auth"
	"revealguard.org/internal/docstore"
	"revealguard.org/internal/errs"
	"revealguard.org/internal/mfa"
	"revealguard.org/internal/obs"
	"revealguard.org/internal/policy"
	"revealguard.org/internal/ratelimit"
	"revealguard.org/internal/session"
)

// Action is the rate limiter action name for reveals.
const Action = "reveal"

const (
	DefaultMaxCalls = 5
	DefaultWindow   = time.Minute
	emptyNote       = "Secret field is empty"
)

// Request is one reveal call.
type Request struct {
	Actor   string
	Target  policy.Target
	MFACode string
}

// Info describes the reveal capabilities of an actor.
type Info struct {
	IsTrusted          bool     `json:"is_trusted"`
	AllowedEntityTypes []string `json:"allowed_entity_types"`
	RecentReveals      int      `json:"recent_reveals"`
	RemainingCalls     int      `json:"remaining_calls"`
}

type Service struct {
	limiter  *ratelimit.Limiter
	gate     *policy.Gate
	docs     docstore.Documents
	mfa      *mfa.Verifier
	audit    *audit.Recorder
	sessions *session.Tracker
	maxCalls int
	window   time.Duration
	now      func() time.Time
}

type Option func(*Service)

// WithRateLimit overrides the per-actor reveal budget.
func WithRateLimit(maxCalls int, window time.Duration) Option {
	return func(s *Service) {
		if maxCalls > 0 {
			s.maxCalls = maxCalls
		}
		if window > 0 {
			s.window = window
		}
	}
}

// WithMFA requires a valid second factor from enrolled actors.
func WithMFA(v *mfa.Verifier) Option {
	return func(s *Service) { s.mfa = v }
}

func NewService(limiter *ratelimit.Limiter, gate *policy.Gate, docs docstore.Documents, recorder *audit.Recorder, tracker *session.Tracker, opts ...Option) *Service {
	s := &Service{
		limiter:  limiter,
		gate:     gate,
		docs:     docs,
		audit:    recorder,
		sessions: tracker,
		maxCalls: DefaultMaxCalls,
		window:   DefaultWindow,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reveal returns the plaintext of the requested field, or "" when the field
// is empty. Every call leaves exactly one audit entry and one session record.
func (s *Service) Reveal(ctx context.Context, req Request) (string, error) {
	value, note, err := s.guardedReveal(ctx, req)
	var typed *errs.Error
	if err != nil && !errors.As(err, &typed) {
		err = errs.Internal(err)
	}
	s.record(ctx, req, note, err)
	if err != nil {
		return "", err
	}
	return value, nil
}

// guardedReveal turns a panic in any collaborator into an Internal error so
// the attempt is still recorded.
func (s *Service) guardedReveal(ctx context.Context, req Request) (value, note string, err error) {
	defer func() {
		if p := recover(); p != nil {
			value, note = "", ""
			err = errs.Internal(fmt.Errorf("panic: %v", p))
		}
	}()
	return s.reveal(ctx, req)
}

func (s *Service) reveal(ctx context.Context, req Request) (string, string, error) {
	d := s.limiter.Allow(ctx, req.Actor, Action, s.maxCalls, s.window)
	if !d.Allowed {
		return "", "", errs.RateLimited(d.ResetIn)
	}
	if err := s.mfa.Verify(ctx, req.Actor, req.MFACode); err != nil {
		return "", "", err
	}
	if err := s.gate.Authorize(ctx, req.Actor, req.Target); err != nil {
		return "", "", err
	}
	t := req.Target
	ciphertext, err := s.docs.FieldValue(ctx, t.EntityType, t.EntityID, t.Field)
	if err != nil {
		return "", "", errs.Internal(fmt.Errorf("read field %s: %w", t, err))
	}
	if ciphertext == "" {
		return "", emptyNote, nil
	}
	plain, err := s.docs.Decrypt(ctx, t.EntityType, t.EntityID, t.Field)
	if err != nil {
		return "", "", errs.Internal(fmt.Errorf("decrypt %s: %w", t, err))
	}
	return plain, "", nil
}

func (s *Service) record(ctx context.Context, req Request, note string, err error) {
	client := auth.ClientFromContext(ctx)
	entry := audit.Entry{
		Actor:      req.Actor,
		EntityType: req.Target.EntityType,
		EntityID:   req.Target.EntityID,
		Field:      req.Target.Field,
		Success:    err == nil,
		Note:       note,
		IP:         client.IP,
		UserAgent:  client.UserAgent,
	}
	outcome := "success"
	fields := map[string]any{
		"actor":  req.Actor,
		"target": req.Target.String(),
		"ip":     client.IP,
	}
	if err != nil {
		kind := errs.KindOf(err)
		outcome = string(kind)
		if kind == errs.KindInternal {
			entry.Error = "Unexpected error: " + causeText(err)
			fields["err"] = err
			obs.Error("reveal failed unexpectedly", fields)
		} else {
			entry.Error = errs.Public(err)
			fields["code"] = errs.CodeOf(err)
			obs.Warn("reveal denied", fields)
		}
	} else {
		obs.Info("secret revealed", fields)
	}
	obs.RevealsTotal.WithLabelValues(outcome).Inc()

	contain("audit", req.Actor, func() { s.audit.Record(ctx, entry) })
	contain("session tracking", req.Actor, func() { s.track(ctx, req, client, err) })
}

func (s *Service) track(ctx context.Context, req Request, client auth.Client, err error) {
	if _, terr := s.sessions.Track(ctx, session.Attempt{
		Actor:      req.Actor,
		EntityType: req.Target.EntityType,
		EntityID:   req.Target.EntityID,
		Field:      req.Target.Field,
		IP:         client.IP,
		UserAgent:  client.UserAgent,
		Success:    err == nil,
	}); terr != nil {
		obs.Error("session tracking failed", map[string]any{"actor": req.Actor, "err": terr})
	}
}

// contain runs fn and logs instead of propagating a panic.
func contain(stage, actor string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			obs.Error("reveal "+stage+" panicked", map[string]any{"actor": actor, "panic": fmt.Sprint(p)})
		}
	}()
	fn()
}

func causeText(err error) string {
	if cause := errors.Unwrap(err); cause != nil {
		return cause.Error()
	}
	return err.Error()
}

// CheckCanReveal is the dry-run check used to decide whether to offer a reveal.
func (s *Service) CheckCanReveal(ctx context.Context, actor string, t policy.Target) policy.Verdict {
	return s.gate.CheckCanReveal(ctx, actor, t)
}

// Info reports trust, the allowlist and successful reveals in the last 24 hours.
func (s *Service) Info(ctx context.Context, actor string) (Info, error) {
	trusted, err := s.gate.IsTrusted(ctx, actor)
	if err != nil {
		return Info{}, err
	}
	info := Info{
		IsTrusted:          trusted,
		AllowedEntityTypes: []string{},
		RemainingCalls:     s.limiter.Remaining(ctx, actor, Action, s.maxCalls),
	}
	if !trusted {
		return info, nil
	}
	if info.AllowedEntityTypes, err = s.gate.AllowedEntityTypes(ctx); err != nil {
		return Info{}, err
	}
	if info.AllowedEntityTypes == nil {
		info.AllowedEntityTypes = []string{}
	}
	since := s.now().UTC().Add(-24 * time.Hour)
	if info.RecentReveals, err = s.audit.Store().CountSuccessful(ctx, actor, since); err != nil {
		return Info{}, err
	}
	return info, nil
}

// ResetRateLimit clears the reveal budget of an actor.
func (s *Service) ResetRateLimit(ctx context.Context, actor string) error {
	return s.limiter.Reset(ctx, actor, Action)
}
