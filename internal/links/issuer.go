// Package links issues temporary, token-authenticated reveal links and serves
// guest access to them.
package links

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"revealguard.org/internal/audit"
	"revealguard.org/internal/auth"
	"revealguard.org/internal/docstore"
	"revealguard.org/internal/errs"
	"revealguard.org/internal/ids"
	"revealguard.org/internal/obs"
	"revealguard.org/internal/policy"
	"revealguard.org/internal/qrcode"
	"revealguard.org/internal/sealer"
)

const (
	DefaultTTLHours = 24
	DefaultMaxUses  = 1
	MaxTTLHours     = 24 * 30
	MaxMaxUses      = 100

	linkIDBytes = 16
	tokenBytes  = 32
)

// Link error codes.
const (
	CodeInvalid   = "link_invalid"
	CodeRevoked   = "link_revoked"
	CodeExpired   = "link_expired"
	CodeExhausted = "link_exhausted"
)

var (
	errInvalid   = errs.Link(CodeInvalid, "Invalid or expired link")
	errRevoked   = errs.Link(CodeRevoked, "Link has been revoked")
	errExpired   = errs.Link(CodeExpired, "Link has expired")
	errExhausted = errs.Link(CodeExhausted, "Link usage limit reached")
)

// CreateRequest asks for a new link. Zero TTLHours and MaxUses take the defaults.
type CreateRequest struct {
	Target   policy.Target
	TTLHours int
	MaxUses  int
}

// Created is returned to the link creator. URL and QR code carry the token.
type Created struct {
	LinkID    string    `json:"link_id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	MaxUses   int       `json:"max_uses"`
	QRCode    string    `json:"qr_code,omitempty"`
}

// Access is a successful guest access.
type Access struct {
	Secret        string    `json:"password"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Field         string    `json:"field"`
	UsesRemaining int       `json:"uses_remaining"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type Issuer struct {
	store   Store
	gate    *policy.Gate
	docs    docstore.Documents
	sealer  sealer.Sealer
	qr      qrcode.Renderer
	baseURL string
	now     func() time.Time
}

type Option func(*Issuer)

// WithQRCode renders a QR code for every created link.
func WithQRCode(r qrcode.Renderer) Option {
	return func(i *Issuer) { i.qr = r }
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

func NewIssuer(store Store, gate *policy.Gate, docs docstore.Documents, s sealer.Sealer, baseURL string, opts ...Option) *Issuer {
	i := &Issuer{
		store:   store,
		gate:    gate,
		docs:    docs,
		sealer:  s,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Create authorizes actor exactly like a direct reveal, captures the current
// plaintext and issues a link for it.
func (i *Issuer) Create(ctx context.Context, actor string, req CreateRequest) (Created, error) {
	if req.TTLHours == 0 {
		req.TTLHours = DefaultTTLHours
	}
	if req.MaxUses == 0 {
		req.MaxUses = DefaultMaxUses
	}
	if req.TTLHours < 0 || req.TTLHours > MaxTTLHours {
		return Created{}, errs.Validation("invalid_ttl", fmt.Sprintf("expires_in_hours must be between 1 and %d", MaxTTLHours))
	}
	if req.MaxUses < 0 || req.MaxUses > MaxMaxUses {
		return Created{}, errs.Validation("invalid_max_uses", fmt.Sprintf("max_uses must be between 1 and %d", MaxMaxUses))
	}
	if err := i.gate.Authorize(ctx, actor, req.Target); err != nil {
		return Created{}, err
	}
	t := req.Target
	plain, err := i.docs.Decrypt(ctx, t.EntityType, t.EntityID, t.Field)
	if err != nil {
		return Created{}, errs.Internal(fmt.Errorf("decrypt %s: %w", t, err))
	}
	linkID, err := ids.Token(linkIDBytes)
	if err != nil {
		return Created{}, errs.Internal(err)
	}
	token, err := ids.Token(tokenBytes)
	if err != nil {
		return Created{}, errs.Internal(err)
	}
	sealed, err := i.sealer.Seal(linkLocation(linkID), plain)
	if err != nil {
		return Created{}, errs.Internal(fmt.Errorf("seal link secret: %w", err))
	}

	now := i.now().UTC()
	l := Link{
		ID:           ids.New(),
		LinkID:       linkID,
		TokenHash:    hashToken(token),
		EntityType:   t.EntityType,
		EntityID:     t.EntityID,
		Field:        t.Field,
		SealedSecret: sealed,
		CreatedBy:    actor,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Duration(req.TTLHours) * time.Hour),
		MaxUses:      req.MaxUses,
		Active:       true,
	}
	if err := i.store.Insert(ctx, l); err != nil {
		return Created{}, errs.Internal(fmt.Errorf("insert link: %w", err))
	}

	out := Created{
		LinkID:    linkID,
		URL:       i.baseURL + "/reveal-link/" + url.PathEscape(linkID) + "?token=" + url.QueryEscape(token),
		ExpiresAt: l.ExpiresAt,
		MaxUses:   l.MaxUses,
	}
	if i.qr != nil {
		if out.QRCode, err = i.qr.DataURI(out.URL); err != nil {
			obs.Warn("qr code rendering failed", map[string]any{"link_id": linkID, "err": err})
		}
	}
	_ = audit.LogEvent(ctx, "link.created", map[string]any{
		"link_id":    linkID,
		"target":     t.String(),
		"expires_at": l.ExpiresAt.Format(time.RFC3339),
		"max_uses":   l.MaxUses,
	})
	return out, nil
}

// Access validates the token and the link state, consumes one use and returns
// the captured secret.
func (i *Issuer) Access(ctx context.Context, linkID, token string) (Access, error) {
	accessedBy := auth.ClientFromContext(ctx).IP
	if accessedBy == "" {
		accessedBy = "Unknown"
	}
	l, err := i.store.Get(ctx, linkID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.LinkAccessTotal.WithLabelValues("invalid").Inc()
			return Access{}, errInvalid
		}
		return Access{}, errs.Internal(fmt.Errorf("load link: %w", err))
	}
	if !tokenMatches(l.TokenHash, token) {
		return Access{}, i.fail(ctx, l.LinkID, accessedBy, errInvalid, "Invalid access token")
	}

	for attempt := 0; ; attempt++ {
		now := i.now().UTC()
		if verr := validity(l, now); verr != nil {
			return Access{}, i.fail(ctx, l.LinkID, accessedBy, verr, errs.Public(verr))
		}
		ok, err := i.store.ConsumeUse(ctx, l.LinkID, l.CurrentUses, now, accessedBy)
		if err != nil {
			return Access{}, errs.Internal(fmt.Errorf("consume link use: %w", err))
		}
		if ok {
			l.CurrentUses++
			break
		}
		if attempt > l.MaxUses {
			return Access{}, i.fail(ctx, l.LinkID, accessedBy, errExhausted, "contention while consuming use")
		}
		if l, err = i.store.Get(ctx, linkID); err != nil {
			return Access{}, errs.Internal(fmt.Errorf("reload link: %w", err))
		}
	}

	secret, err := i.sealer.Open(linkLocation(l.LinkID), l.SealedSecret)
	if err != nil {
		i.logAccess(ctx, AccessLog{LinkID: l.LinkID, AccessedBy: accessedBy, Error: "Unexpected error"})
		return Access{}, errs.Internal(fmt.Errorf("open link secret: %w", err))
	}
	i.logAccess(ctx, AccessLog{LinkID: l.LinkID, AccessedBy: accessedBy, Success: true})
	obs.LinkAccessTotal.WithLabelValues("success").Inc()
	return Access{
		Secret:        secret,
		EntityType:    l.EntityType,
		EntityID:      l.EntityID,
		Field:         l.Field,
		UsesRemaining: l.MaxUses - l.CurrentUses,
		ExpiresAt:     l.ExpiresAt,
	}, nil
}

func validity(l Link, now time.Time) *errs.Error {
	switch {
	case l.RevokedAt != nil:
		return errRevoked
	case !now.Before(l.ExpiresAt):
		return errExpired
	case l.CurrentUses >= l.MaxUses:
		return errExhausted
	case !l.Active:
		return errExpired
	}
	return nil
}

func (i *Issuer) fail(ctx context.Context, linkID, accessedBy string, err *errs.Error, detail string) error {
	i.logAccess(ctx, AccessLog{LinkID: linkID, AccessedBy: accessedBy, Error: detail})
	obs.LinkAccessTotal.WithLabelValues(err.Code).Inc()
	return err
}

func (i *Issuer) logAccess(ctx context.Context, entry AccessLog) {
	entry.AccessedAt = i.now().UTC()
	if err := i.store.AppendAccess(ctx, entry); err != nil {
		obs.Error("link access log failed", map[string]any{"link_id": entry.LinkID, "err": err})
	}
}

// Revoke deactivates a link. Only its creator or a link administrator may do so.
func (i *Issuer) Revoke(ctx context.Context, actor string, roles []string, linkID string) error {
	l, err := i.store.Get(ctx, linkID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return errs.Validation("link_not_found", "Link not found")
		}
		return errs.Internal(err)
	}
	if l.CreatedBy != actor && !auth.CanRevokeAnyLink(roles) {
		return errs.Permission("link_revoke_denied", "You do not have permission to revoke this link")
	}
	if err := i.store.Revoke(ctx, linkID, i.now().UTC()); err != nil {
		return errs.Internal(fmt.Errorf("revoke link: %w", err))
	}
	_ = audit.LogEvent(ctx, "link.revoked", map[string]any{"link_id": linkID, "created_by": l.CreatedBy})
	return nil
}

// ListByCreator returns the actor's links, newest first.
func (i *Issuer) ListByCreator(ctx context.Context, actor string, limit int) ([]Link, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return i.store.ListByCreator(ctx, actor, limit)
}

// AccessLogs returns the access attempts recorded against a link.
func (i *Issuer) AccessLogs(ctx context.Context, linkID string) ([]AccessLog, error) {
	return i.store.AccessLogs(ctx, linkID)
}

// AccessLogsFor returns the access attempts if actor created the link or
// administers links.
func (i *Issuer) AccessLogsFor(ctx context.Context, actor string, roles []string, linkID string) ([]AccessLog, error) {
	l, err := i.store.Get(ctx, linkID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, errs.Validation("link_not_found", "Link not found")
		}
		return nil, errs.Internal(err)
	}
	if l.CreatedBy != actor && !auth.CanRevokeAnyLink(roles) {
		return nil, errs.Permission("link_logs_denied", "You do not have permission to view this link")
	}
	out, err := i.store.AccessLogs(ctx, linkID)
	if err != nil {
		return nil, errs.Internal(fmt.Errorf("link access logs: %w", err))
	}
	return out, nil
}

// Sweep deactivates expired links. It is safe to run concurrently with access.
func (i *Issuer) Sweep(ctx context.Context) (int, error) {
	n, err := i.store.DeactivateExpired(ctx, i.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		obs.Info("expired links deactivated", map[string]any{"count": n})
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (i *Issuer) RunSweeper(ctx context.Context, every time.Duration) {
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
			if _, err := i.Sweep(ctx); err != nil {
				obs.Error("link sweep failed", map[string]any{"err": err})
			}
		}
	}
}

func linkLocation(linkID string) string {
	return "link/" + linkID
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func tokenMatches(storedHash, token string) bool {
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(hashToken(token))) == 1
}
