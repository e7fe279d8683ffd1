package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"revealguard.org/internal/audit"
	"revealguard.org/internal/docstore"
	"revealguard.org/internal/errs"
	"revealguard.org/internal/ids"
	"revealguard.org/internal/notify"
	"revealguard.org/internal/obs"
)

// Result counts per-document outcomes of one execution. Skipped documents
// were already rotated by an interrupted run of the same cycle.
type Result struct {
	PolicyID string `json:"policy_id"`
	Success  int    `json:"success_count"`
	Failure  int    `json:"failure_count"`
	Skipped  int    `json:"skipped_count"`
}

type Executor struct {
	store    Store
	docs     docstore.Documents
	schema   docstore.Schema
	notifier notify.Notifier
	now      func() time.Time
}

type Option func(*Executor)

func WithNotifier(n notify.Notifier) Option {
	return func(e *Executor) {
		if n != nil {
			e.notifier = n
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(e *Executor) {
		if fn != nil {
			e.now = fn
		}
	}
}

func NewExecutor(store Store, docs docstore.Documents, schema docstore.Schema, opts ...Option) *Executor {
	e := &Executor{store: store, docs: docs, schema: schema, notifier: notify.Noop{}, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SavePolicy validates p, assigns an id to new policies, recomputes the next
// rotation and stores it.
func (e *Executor) SavePolicy(ctx context.Context, p Policy) (Policy, error) {
	if err := Validate(ctx, e.schema, p); err != nil {
		return Policy{}, err
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	if p.Length == 0 {
		p.Length = DefaultLength
	}
	p.Recompute(e.now().UTC())
	if err := e.store.SavePolicy(ctx, p); err != nil {
		return Policy{}, errs.Internal(fmt.Errorf("save rotation policy: %w", err))
	}
	return p, nil
}

func (e *Executor) Policy(ctx context.Context, id string) (Policy, error) {
	p, err := e.store.GetPolicy(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Policy{}, errs.Validation("policy_not_found", "Rotation policy not found")
	}
	if err != nil {
		return Policy{}, errs.Internal(err)
	}
	return p, nil
}

func (e *Executor) Policies(ctx context.Context) ([]Policy, error) {
	return e.store.ListPolicies(ctx)
}

func (e *Executor) History(ctx context.Context, policyID string, limit int) ([]History, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return e.store.History(ctx, policyID, limit)
}

// Execute rotates every matching document of the policy. A failing document
// is recorded and counted without aborting the batch.
func (e *Executor) Execute(ctx context.Context, policyID string) (Result, error) {
	p, err := e.Policy(ctx, policyID)
	if err != nil {
		return Result{}, err
	}
	if !p.Enabled {
		return Result{}, errs.Validation("policy_disabled", "Rotation policy is disabled")
	}
	targets, err := e.docs.Match(ctx, p.EntityType, p.Filter)
	if err != nil {
		return Result{}, errs.Internal(fmt.Errorf("match %s documents: %w", p.EntityType, err))
	}
	done, err := e.store.RotatedSince(ctx, p.ID, p.LastRotation)
	if err != nil {
		return Result{}, errs.Internal(fmt.Errorf("load rotation history: %w", err))
	}

	res := Result{PolicyID: p.ID}
	for _, id := range targets {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if done[id] {
			res.Skipped++
			continue
		}
		h := History{
			ID:         ids.New(),
			PolicyID:   p.ID,
			EntityType: p.EntityType,
			EntityID:   id,
			Status:     StatusSuccess,
		}
		if rerr := e.rotateOne(ctx, p, id); rerr != nil {
			h.Status = StatusFailure
			h.Error = rerr.Error()
			res.Failure++
			obs.Error("secret rotation failed", map[string]any{"policy": p.ID, "entity_type": p.EntityType, "entity_id": id, "err": rerr})
		} else {
			res.Success++
		}
		h.RotatedAt = e.now().UTC()
		obs.RotationsTotal.WithLabelValues(h.Status).Inc()
		if herr := e.store.AppendHistory(ctx, h); herr != nil {
			obs.Error("rotation history write failed", map[string]any{"policy": p.ID, "entity_id": id, "err": herr})
		}
	}

	now := e.now().UTC()
	p.LastRotation = &now
	p.Recompute(now)
	if err := e.store.SavePolicy(ctx, p); err != nil {
		return res, errs.Internal(fmt.Errorf("save rotation policy: %w", err))
	}
	obs.Info("rotation completed", map[string]any{
		"policy":  p.ID,
		"success": res.Success,
		"failure": res.Failure,
		"skipped": res.Skipped,
	})
	_ = audit.LogEvent(ctx, "rotation.executed", map[string]any{"policy": p.ID, "success": res.Success, "failure": res.Failure})
	e.notify(ctx, p, res)
	return res, nil
}

func (e *Executor) rotateOne(ctx context.Context, p Policy, entityID string) error {
	secret, err := Generate(p)
	if err != nil {
		return err
	}
	return e.docs.SetSecret(ctx, p.EntityType, entityID, p.Field, secret)
}

func (e *Executor) notify(ctx context.Context, p Policy, res Result) {
	if p.NotifyEmail == "" {
		return
	}
	msg := notify.Message{
		Recipients: []string{p.NotifyEmail},
		Subject:    "Secret rotation report: " + p.Name,
		Body: fmt.Sprintf("Policy: %s\nTarget: %s (%s)\nSuccess: %d\nFailed: %d\nSkipped: %d\n",
			p.Name, p.EntityType, p.Field, res.Success, res.Failure, res.Skipped),
	}
	if err := e.notifier.Send(ctx, msg); err != nil {
		obs.Warn("rotation notification failed", map[string]any{"policy": p.ID, "err": err})
	}
}

// RunDue executes every enabled policy whose next rotation has passed. A
// failing policy is logged and does not stop the others.
func (e *Executor) RunDue(ctx context.Context) []Result {
	due, err := e.store.DuePolicies(ctx, e.now().UTC())
	if err != nil {
		obs.Error("due rotation policies lookup failed", map[string]any{"err": err})
		return nil
	}
	var out []Result
	for _, p := range due {
		res, err := e.Execute(ctx, p.ID)
		if err != nil {
			obs.Error("rotation policy execution failed", map[string]any{"policy": p.ID, "err": err})
			continue
		}
		out = append(out, res)
	}
	return out
}

// Start runs RunDue every interval until ctx is done.
func (e *Executor) Start(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunDue(ctx)
		}
	}
}
