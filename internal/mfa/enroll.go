package mfa

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"revealguard.org/internal/errs"
	"revealguard.org/internal/obs"
	"revealguard.org/internal/qrcode"
)

// Store persists secrets, including pending ones that are not yet enabled.
type Store interface {
	Secrets
	Save(ctx context.Context, actor, secret string, enabled bool) error
}

// Enrollment is handed to the actor once, to load into an authenticator app.
type Enrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauth_url"`
	QRCode string `json:"qr_code,omitempty"`
}

// Enroller runs the two step setup: Begin stores a pending secret, Activate
// enables it after the actor proves possession with a valid code.
type Enroller struct {
	store  Store
	issuer string
	qr     qrcode.Renderer
	now    func() time.Time
}

func NewEnroller(store Store, issuer string, qr qrcode.Renderer) *Enroller {
	if issuer == "" {
		issuer = "revealguard"
	}
	return &Enroller{store: store, issuer: issuer, qr: qr, now: time.Now}
}

func (e *Enroller) Begin(ctx context.Context, actor string) (Enrollment, error) {
	if strings.TrimSpace(actor) == "" {
		return Enrollment{}, errs.Validation("invalid_parameters", "Actor is required")
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.issuer,
		AccountName: actor,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Enrollment{}, errs.Internal(fmt.Errorf("generate totp key: %w", err))
	}
	if err := e.store.Save(ctx, actor, key.Secret(), false); err != nil {
		return Enrollment{}, errs.Internal(fmt.Errorf("save totp secret: %w", err))
	}
	out := Enrollment{Secret: key.Secret(), URL: key.URL()}
	if e.qr != nil {
		if out.QRCode, err = e.qr.DataURI(key.URL()); err != nil {
			obs.Warn("mfa qr rendering failed", map[string]any{"actor": actor, "err": err})
		}
	}
	return out, nil
}

// Activate enables the pending secret when code matches it.
func (e *Enroller) Activate(ctx context.Context, actor, code string) error {
	secret, enabled, err := e.store.Secret(ctx, actor)
	if err != nil {
		return errs.Internal(err)
	}
	if enabled {
		return errs.Validation("mfa_already_enabled", "MFA is already enabled")
	}
	if secret == "" {
		return errs.Validation("mfa_not_pending", "No matching pending MFA enrollment")
	}
	ok, err := totp.ValidateCustom(strings.TrimSpace(code), secret, e.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !ok {
		return errs.Permission("mfa_invalid", "Invalid MFA code")
	}
	if err := e.store.Save(ctx, actor, secret, true); err != nil {
		return errs.Internal(fmt.Errorf("enable totp secret: %w", err))
	}
	obs.Info("mfa enabled", map[string]any{"actor": actor})
	return nil
}

// Disable removes the actor's secret.
func (e *Enroller) Disable(ctx context.Context, actor string) error {
	if err := e.store.Save(ctx, actor, "", false); err != nil {
		return errs.Internal(err)
	}
	obs.Info("mfa disabled", map[string]any{"actor": actor})
	return nil
}
