package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "revealguard_ready",
		Help: "1 when the service passed its last readiness probe.",
	})
)

// Доменные метрики
var (
	RevealsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revealguard_reveals_total",
			Help: "Reveal attempts by outcome.",
		},
		[]string{"outcome"},
	)

	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revealguard_ratelimit_decisions_total",
			Help: "Rate limiter decisions by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	AnomalyScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "revealguard_anomaly_score",
		Help:    "Anomaly score assigned to reveal sessions.",
		Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	SuspiciousSessions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "revealguard_suspicious_sessions_total",
		Help: "Sessions flagged as suspicious.",
	})

	LinkAccessTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revealguard_link_access_total",
			Help: "Temporary link access attempts by outcome.",
		},
		[]string{"outcome"},
	)

	RotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revealguard_rotations_total",
			Help: "Per-document secret rotations by status.",
		},
		[]string{"status"},
	)
)

var initOnce sync.Once

// Регистрация метрик в default-регистре.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge)
		prometheus.MustRegister(RevealsTotal, RateLimitDecisions, AnomalyScore, SuspiciousSessions,
			LinkAccessTotal, RotationsTotal)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the result of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers in known routes so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "links":
		return "/v1/links/:id"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "links" && parts[3] == "access":
		return "/v1/links/:id/access"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "rotation" && parts[2] == "policies" && parts[4] == "run":
		return "/v1/rotation/policies/:id/run"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "admin" && parts[2] != "field-rules":
		return "/v1/admin/" + parts[2] + "/:id"
	}
	return raw
}

// statusWriter запоминает код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
