package session

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// Metrics is the aggregate security report over a day window.
type Metrics struct {
	Days                 int          `json:"days"`
	TotalSessions        int          `json:"total_sessions"`
	SuspiciousCount      int          `json:"suspicious_count"`
	UniqueActors         int          `json:"unique_actors"`
	AvgAnomalyScore      float64      `json:"avg_anomaly_score"`
	Timeline             []DayPoint   `json:"timeline"`
	TopActors            []Count      `json:"top_actors"`
	SuspiciousActivities []Record     `json:"suspicious_activities"`
	TopIPs               []IPUsage    `json:"top_ips"`
	Devices              []DeviceStat `json:"device_stats"`
	Alerts               []Alert      `json:"alerts"`
}

type DayPoint struct {
	Date       string `json:"date"`
	Label      string `json:"label"`
	Normal     int    `json:"normal"`
	Suspicious int    `json:"suspicious"`
}

type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type IPUsage struct {
	IP     string   `json:"ip"`
	Count  int      `json:"count"`
	Actors []string `json:"actors"`
}

type DeviceStat struct {
	DeviceType string  `json:"device_type"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

type Alert struct {
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Message  string `json:"message"`
}

const (
	topActorsLimit      = 5
	topIPsLimit         = 10
	suspiciousListLimit = 20
	spikeThreshold      = 10
)

// Metrics aggregates sessions from the last days days.
func (t *Tracker) Metrics(ctx context.Context, days int) (Metrics, error) {
	if days <= 0 {
		days = 7
	}
	now := t.now().UTC()
	from := now.AddDate(0, 0, -days)
	lookback := from
	if dayAgo := now.Add(-24 * time.Hour); dayAgo.Before(lookback) {
		lookback = dayAgo
	}
	records, err := t.store.Since(ctx, lookback)
	if err != nil {
		return Metrics{}, fmt.Errorf("load sessions: %w", err)
	}
	return Summarize(records, days, now), nil
}

// Summarize builds the report from records. Records older than the window
// only contribute to the 24-hour spike alert.
func Summarize(records []Record, days int, now time.Time) Metrics {
	from := now.AddDate(0, 0, -days)
	dayAgo := now.Add(-24 * time.Hour)
	m := Metrics{Days: days}

	actors := map[string]int{}
	type ipAgg struct {
		count  int
		actors map[string]struct{}
	}
	ips := map[string]*ipAgg{}
	devices := map[string]int{}
	perDay := map[string]*DayPoint{}
	var scoreSum, scored, recentSuspicious int
	var suspicious []Record

	for _, r := range records {
		if r.Suspicious && !r.Timestamp.Before(dayAgo) {
			recentSuspicious++
		}
		if r.Timestamp.Before(from) {
			continue
		}
		m.TotalSessions++
		actors[r.Actor]++
		if r.Suspicious {
			m.SuspiciousCount++
			suspicious = append(suspicious, r)
		}
		if r.Score > 0 {
			scoreSum += r.Score
			scored++
		}
		if r.IP != "" {
			agg, ok := ips[r.IP]
			if !ok {
				agg = &ipAgg{actors: map[string]struct{}{}}
				ips[r.IP] = agg
			}
			agg.count++
			agg.actors[r.Actor] = struct{}{}
		}
		devices[DeviceClass(r.UserAgent)]++

		day := r.Timestamp.UTC().Format("2006-01-02")
		p, ok := perDay[day]
		if !ok {
			p = &DayPoint{}
			perDay[day] = p
		}
		if r.Suspicious {
			p.Suspicious++
		} else {
			p.Normal++
		}
	}

	m.UniqueActors = len(actors)
	if scored > 0 {
		m.AvgAnomalyScore = round1(float64(scoreSum) / float64(scored))
	}

	for d := truncateDay(from); !d.After(truncateDay(now)); d = d.AddDate(0, 0, 1) {
		key := d.Format("2006-01-02")
		point := DayPoint{Date: key, Label: d.Format("02-Jan")}
		if p, ok := perDay[key]; ok {
			point.Normal, point.Suspicious = p.Normal, p.Suspicious
		}
		m.Timeline = append(m.Timeline, point)
	}

	m.TopActors = topCounts(actors, topActorsLimit)

	for ip, agg := range ips {
		u := IPUsage{IP: ip, Count: agg.count}
		for a := range agg.actors {
			u.Actors = append(u.Actors, a)
		}
		sort.Strings(u.Actors)
		m.TopIPs = append(m.TopIPs, u)
	}
	sort.Slice(m.TopIPs, func(i, j int) bool {
		if m.TopIPs[i].Count != m.TopIPs[j].Count {
			return m.TopIPs[i].Count > m.TopIPs[j].Count
		}
		return m.TopIPs[i].IP < m.TopIPs[j].IP
	})
	if len(m.TopIPs) > topIPsLimit {
		m.TopIPs = m.TopIPs[:topIPsLimit]
	}

	for _, class := range []string{DeviceDesktop, DeviceMobile, DeviceTablet, DeviceUnknown} {
		n := devices[class]
		if n == 0 {
			continue
		}
		m.Devices = append(m.Devices, DeviceStat{
			DeviceType: class,
			Count:      n,
			Percentage: round1(float64(n) / float64(m.TotalSessions) * 100),
		})
	}
	sort.SliceStable(m.Devices, func(i, j int) bool { return m.Devices[i].Count > m.Devices[j].Count })

	sortSuspicious(suspicious)
	if len(suspicious) > suspiciousListLimit {
		suspicious = suspicious[:suspiciousListLimit]
	}
	m.SuspiciousActivities = suspicious
	m.Alerts = alerts(m.SuspiciousCount, m.TotalSessions, m.AvgAnomalyScore, recentSuspicious)
	return m
}

func alerts(suspicious, total int, avg float64, recentSuspicious int) []Alert {
	var out []Alert
	if total > 0 {
		rate := float64(suspicious) / float64(total) * 100
		switch {
		case rate > 20:
			out = append(out, Alert{
				Severity: "critical",
				Title:    "Critical: High Suspicious Activity Rate",
				Message:  fmt.Sprintf("%.1f%% of sessions are flagged as suspicious. Immediate investigation recommended.", rate),
			})
		case rate > 10:
			out = append(out, Alert{
				Severity: "warning",
				Title:    "Warning: Elevated Suspicious Activity",
				Message:  fmt.Sprintf("%.1f%% of sessions are flagged as suspicious. Monitor closely.", rate),
			})
		}
	}
	switch {
	case avg > 60:
		out = append(out, Alert{
			Severity: "critical",
			Title:    "Critical: High Anomaly Score",
			Message:  fmt.Sprintf("Average anomaly score is %.1f/100. Review security policies.", avg),
		})
	case avg > 40:
		out = append(out, Alert{
			Severity: "warning",
			Title:    "Warning: Elevated Anomaly Score",
			Message:  fmt.Sprintf("Average anomaly score is %.1f/100. Consider tightening security.", avg),
		})
	}
	if recentSuspicious > spikeThreshold {
		out = append(out, Alert{
			Severity: "warning",
			Title:    "Warning: Recent Activity Spike",
			Message:  fmt.Sprintf("%d suspicious activities in the last 24 hours.", recentSuspicious),
		})
	}
	if len(out) == 0 {
		out = append(out, Alert{Severity: "info", Title: "All Clear", Message: "No significant security concerns detected."})
	}
	return out
}

func topCounts(counts map[string]int, limit int) []Count {
	out := make([]Count, 0, len(counts))
	for k, c := range counts {
		out = append(out, Count{Key: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortSuspicious(rs []Record) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Score != rs[j].Score {
			return rs[i].Score > rs[j].Score
		}
		return rs[i].Timestamp.After(rs[j].Timestamp)
	})
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
