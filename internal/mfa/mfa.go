// Package mfa checks the optional TOTP second factor required before a reveal.
package mfa

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"

	"revealguard.org/internal/errs"
)

// Secrets looks up enrolled TOTP secrets.
type Secrets interface {
	// Secret returns the base32 secret for actor and whether MFA is enabled for them.
	Secret(ctx context.Context, actor string) (string, bool, error)
	CountEnabled(ctx context.Context) (int, error)
}

// Verifier validates codes. A nil or disabled Verifier accepts every call.
type Verifier struct {
	secrets Secrets
	enabled bool
	now     func() time.Time
}

func NewVerifier(secrets Secrets, enabled bool) *Verifier {
	return &Verifier{secrets: secrets, enabled: enabled, now: time.Now}
}

// Verify returns nil when the actor has no enrolled secret or the code is valid.
func (v *Verifier) Verify(ctx context.Context, actor, code string) error {
	if v == nil || !v.enabled || v.secrets == nil {
		return nil
	}
	secret, enabled, err := v.secrets.Secret(ctx, actor)
	if err != nil {
		return errs.Internal(err)
	}
	if !enabled || secret == "" {
		return nil
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return errs.Permission("mfa_required", "MFA verification required")
	}
	ok, err := totp.ValidateCustom(code, secret, v.now().UTC(), totp.ValidateOpts{
		Period: 30,
		Skew:   1,
		Digits: 6,
	})
	if err != nil || !ok {
		return errs.Permission("mfa_invalid", "Invalid MFA code")
	}
	return nil
}

// Adoption returns how many actors have MFA enabled.
func (v *Verifier) Adoption(ctx context.Context) (int, error) {
	if v == nil || v.secrets == nil {
		return 0, nil
	}
	return v.secrets.CountEnabled(ctx)
}

// Required reports whether actor must present a code before revealing.
func (v *Verifier) Required(ctx context.Context, actor string) (bool, error) {
	if v == nil || !v.enabled || v.secrets == nil {
		return false, nil
	}
	secret, enabled, err := v.secrets.Secret(ctx, actor)
	if err != nil {
		return false, err
	}
	return enabled && secret != "", nil
}

type memSecret struct {
	secret  string
	enabled bool
}

// MemorySecrets keeps enrolled secrets in process memory.
type MemorySecrets struct {
	mu      sync.RWMutex
	secrets map[string]memSecret
}

func NewMemorySecrets() *MemorySecrets {
	return &MemorySecrets{secrets: make(map[string]memSecret)}
}

// Enroll stores an enabled secret for actor; an empty secret removes it.
func (m *MemorySecrets) Enroll(actor, secret string) {
	_ = m.Save(context.Background(), actor, secret, true)
}

func (m *MemorySecrets) Save(_ context.Context, actor, secret string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if secret == "" {
		delete(m.secrets, actor)
		return nil
	}
	m.secrets[actor] = memSecret{secret: secret, enabled: enabled}
	return nil
}

func (m *MemorySecrets) Secret(_ context.Context, actor string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.secrets[actor]
	return s.secret, ok && s.enabled, nil
}

func (m *MemorySecrets) CountEnabled(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.secrets {
		if s.enabled {
			n++
		}
	}
	return n, nil
}
