package session

import (
	"context"
	"fmt"
	"time"

	"revealguard.org/internal/audit"
)

// Compliance summarises the audit trail for periodic review.
type Compliance struct {
	Period            string            `json:"period"`
	From              time.Time         `json:"from"`
	To                time.Time         `json:"to"`
	TotalReveals      int               `json:"total_reveals"`
	SuccessfulReveals int               `json:"successful_reveals"`
	FailedAttempts    int               `json:"failed_attempts"`
	SuccessRate       float64           `json:"success_rate"`
	ByActor           []audit.Breakdown `json:"by_actor"`
	ByEntityType      []audit.Breakdown `json:"by_entity_type"`
	MFAAdoption       Adoption          `json:"mfa_adoption"`
}

type Adoption struct {
	Enabled    int     `json:"enabled"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// Counter returns a population size, such as enrolled or trusted actors.
type Counter func(ctx context.Context) (int, error)

// Reporter builds compliance reports from the audit trail.
type Reporter struct {
	audit        audit.Store
	mfaEnabled   Counter
	trustedTotal Counter
	now          func() time.Time
}

func NewReporter(store audit.Store, mfaEnabled, trustedTotal Counter) *Reporter {
	return &Reporter{audit: store, mfaEnabled: mfaEnabled, trustedTotal: trustedTotal, now: time.Now}
}

func (r *Reporter) ComplianceReport(ctx context.Context, days int) (Compliance, error) {
	if days <= 0 {
		days = 30
	}
	now := r.now().UTC()
	from := now.AddDate(0, 0, -days)
	st, err := r.audit.Statistics(ctx, from)
	if err != nil {
		return Compliance{}, fmt.Errorf("audit statistics: %w", err)
	}
	byActor, err := r.audit.TopActors(ctx, from, 0)
	if err != nil {
		return Compliance{}, fmt.Errorf("audit by actor: %w", err)
	}
	byType, err := r.audit.TopEntityTypes(ctx, from, 0)
	if err != nil {
		return Compliance{}, fmt.Errorf("audit by entity type: %w", err)
	}
	rep := Compliance{
		Period:            fmt.Sprintf("Last %d days", days),
		From:              from,
		To:                now,
		TotalReveals:      st.Total,
		SuccessfulReveals: st.Successful,
		FailedAttempts:    st.Total - st.Successful,
		SuccessRate:       round1(st.SuccessRate),
		ByActor:           byActor,
		ByEntityType:      byType,
	}
	if r.mfaEnabled != nil {
		if rep.MFAAdoption.Enabled, err = r.mfaEnabled(ctx); err != nil {
			return Compliance{}, fmt.Errorf("mfa adoption: %w", err)
		}
	}
	if r.trustedTotal != nil {
		if rep.MFAAdoption.Total, err = r.trustedTotal(ctx); err != nil {
			return Compliance{}, fmt.Errorf("trusted actors: %w", err)
		}
	}
	if rep.MFAAdoption.Total > 0 {
		rep.MFAAdoption.Percentage = round1(float64(rep.MFAAdoption.Enabled) / float64(rep.MFAAdoption.Total) * 100)
	}
	return rep, nil
}

// WithClock overrides the time source.
func (r *Reporter) WithClock(fn func() time.Time) *Reporter {
	if fn != nil {
		r.now = fn
	}
	return r
}
