// Package rotation replaces secret fields on a schedule.
package rotation

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"revealguard.org/internal/docstore"
	"revealguard.org/internal/errs"
)

type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
	Custom  Frequency = "custom"
)

const (
	DefaultLength       = 16
	MinLength           = 8
	MaxLength           = 256
	defaultIntervalDays = 30

	letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits  = "0123456789"
	symbols = "!@#$%^&*()_+-=[]{}|;:,.<>?"
)

// Policy describes which documents get a new secret and how often.
type Policy struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	EntityType   string            `json:"entity_type"`
	Field        string            `json:"field"`
	Frequency    Frequency         `json:"frequency"`
	IntervalDays int               `json:"interval_days,omitempty"`
	Filter       map[string]string `json:"filter,omitempty"`
	Length       int               `json:"length"`
	UseDigits    bool              `json:"use_digits"`
	UseSymbols   bool              `json:"use_symbols"`
	Enabled      bool              `json:"enabled"`
	LastRotation *time.Time        `json:"last_rotation,omitempty"`
	NextRotation *time.Time        `json:"next_rotation,omitempty"`
	NotifyEmail  string            `json:"notify_email,omitempty"`
}

// Interval converts the frequency into a duration. Unknown frequencies and
// custom policies without an interval fall back to 30 days.
func (p Policy) Interval() time.Duration {
	days := defaultIntervalDays
	switch p.Frequency {
	case Daily:
		days = 1
	case Weekly:
		days = 7
	case Custom:
		if p.IntervalDays > 0 {
			days = p.IntervalDays
		}
	}
	return time.Duration(days) * 24 * time.Hour
}

// Recompute sets NextRotation from LastRotation, or from now when the policy
// has never run. Disabled policies have no next rotation.
func (p *Policy) Recompute(now time.Time) {
	if !p.Enabled {
		p.NextRotation = nil
		return
	}
	base := now
	if p.LastRotation != nil {
		base = *p.LastRotation
	}
	next := base.Add(p.Interval()).UTC()
	p.NextRotation = &next
}

// Due reports whether an enabled policy should run at now.
func (p Policy) Due(now time.Time) bool {
	return p.Enabled && p.NextRotation != nil && !p.NextRotation.After(now)
}

func (p Policy) alphabet() string {
	chars := letters
	if p.UseDigits {
		chars += digits
	}
	if p.UseSymbols {
		chars += symbols
	}
	return chars
}

// Generate returns a new random secret following the policy's character classes.
func Generate(p Policy) (string, error) {
	n := p.Length
	if n <= 0 {
		n = DefaultLength
	}
	chars := p.alphabet()
	max := big.NewInt(int64(len(chars)))
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		b.WriteByte(chars[idx.Int64()])
	}
	return b.String(), nil
}

// Validate checks the policy shape and that the target field exists and holds a secret.
func Validate(ctx context.Context, schema docstore.Schema, p Policy) error {
	if strings.TrimSpace(p.Name) == "" {
		return errs.Validation("invalid_policy", "Policy name is required")
	}
	switch p.Frequency {
	case Daily, Weekly, Monthly:
	case Custom:
		if p.IntervalDays <= 0 {
			return errs.Validation("invalid_policy", "Custom frequency requires interval_days")
		}
	default:
		return errs.Validation("invalid_policy", fmt.Sprintf("Unknown frequency %q", p.Frequency))
	}
	if p.Length != 0 && (p.Length < MinLength || p.Length > MaxLength) {
		return errs.Validation("invalid_policy", fmt.Sprintf("length must be between %d and %d", MinLength, MaxLength))
	}
	exists, err := schema.EntityTypeExists(ctx, p.EntityType)
	if err != nil {
		return errs.Internal(fmt.Errorf("schema lookup %s: %w", p.EntityType, err))
	}
	if !exists {
		return errs.Validation("unknown_entity_type", fmt.Sprintf("Entity type %s does not exist", p.EntityType))
	}
	fields, err := schema.Fields(ctx, p.EntityType)
	if err != nil {
		return errs.Internal(fmt.Errorf("schema fields %s: %w", p.EntityType, err))
	}
	for _, f := range fields {
		if f.Name != p.Field {
			continue
		}
		if f.Type != docstore.FieldSecret {
			return errs.Validation("invalid_policy", fmt.Sprintf("Field %s in %s is not a secret field", p.Field, p.EntityType))
		}
		return nil
	}
	return errs.Validation("invalid_policy", fmt.Sprintf("Field %s not found in %s", p.Field, p.EntityType))
}
