// Package session records every reveal attempt and scores it for anomalies.
package session

import (
	"fmt"
	"slices"
	"time"
)

// SuspiciousThreshold is the score at and above which a session is suspicious.
const SuspiciousThreshold = 50

// Signal weights.
const (
	weightOffHours   = 20
	weightNewIP      = 30
	weightRapid      = 25
	weightNewDevice  = 15
	weightFailure    = 10
	maxScore         = 100
	rapidWindow      = 5 * time.Minute
	rapidThreshold   = 5
	ipLookback       = 10
	deviceLookback   = 5
	businessDayStart = 6
	businessDayEnd   = 22
)

// Signals is the scorer input, gathered from the attempt and the actor's
// prior history.
type Signals struct {
	At                 time.Time
	IP                 string
	RecentIPs          []string
	Fingerprint        string
	RecentFingerprints []string
	// RecentAttempts counts the actor's prior attempts in the trailing five minutes.
	RecentAttempts int
	Failed         bool
}

// Score sums the weights of the triggered signals, capped at 100, and returns
// a reason for each.
func Score(s Signals) (int, []string) {
	score := 0
	var reasons []string

	if !s.At.IsZero() {
		if h := s.At.Hour(); h < businessDayStart || h >= businessDayEnd {
			score += weightOffHours
			reasons = append(reasons, fmt.Sprintf("Unusual time: %d:00", h))
		}
	}
	if s.IP != "" && len(s.RecentIPs) > 0 && !slices.Contains(s.RecentIPs, s.IP) {
		score += weightNewIP
		reasons = append(reasons, "New IP address")
	}
	if s.RecentAttempts > rapidThreshold {
		score += weightRapid
		reasons = append(reasons, fmt.Sprintf("Rapid reveals: %d in 5 minutes", s.RecentAttempts))
	}
	if s.Fingerprint != "" && len(s.RecentFingerprints) > 0 && !slices.Contains(s.RecentFingerprints, s.Fingerprint) {
		score += weightNewDevice
		reasons = append(reasons, "New device")
	}
	if s.Failed {
		score += weightFailure
		reasons = append(reasons, "Failed attempt")
	}
	if score > maxScore {
		score = maxScore
	}
	if score < 0 {
		score = 0
	}
	return score, reasons
}

// IsSuspicious reports whether score crosses the fixed threshold.
func IsSuspicious(score int) bool {
	return score >= SuspiciousThreshold
}
