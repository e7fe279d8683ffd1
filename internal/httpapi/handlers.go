package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"revealguard.org/api/spec"
	"revealguard.org/internal/audit"
	"revealguard.org/internal/links"
	"revealguard.org/internal/mfa"
	"revealguard.org/internal/obs"
	"revealguard.org/internal/policy"
	"revealguard.org/internal/reveal"
	"revealguard.org/internal/rotation"
	"revealguard.org/internal/session"
)

const serviceName = "revealguard-api"

// ReadyProbe pings the backing stores that are configured.
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Services are the domain components served over HTTP. Nil members disable
// their routes with 503.
type Services struct {
	Reveal   *reveal.Service
	Admin    *policy.Admin
	Links    *links.Issuer
	Sessions *session.Tracker
	Reporter *session.Reporter
	Rotation *rotation.Executor
	Audit    *audit.Recorder
	MFA      *mfa.Enroller
}

type Option func(*API)

// WithCORSOrigins sets the browser origins allowed in addition to localhost.
func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// WithGuestRate bounds unauthenticated link access per client IP.
func WithGuestRate(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 {
			a.ratePerSec = perSecond
		}
		if burst > 0 {
			a.rateBurst = burst
		}
	}
}

// WithTrustedProxies sets the proxies allowed to report the client address.
func WithTrustedProxies(p ProxyTrust) Option {
	return func(a *API) { a.proxies = p }
}

// WithAuditRetention sets the default for POST /v1/admin/audit/cleanup.
func WithAuditRetention(days int) Option {
	return func(a *API) {
		if days > 0 {
			a.retentionDays = days
		}
	}
}

// API is the HTTP layer.
type API struct {
	mux           *http.ServeMux
	readyProbe    ReadyProbe
	version       string
	svc           Services
	corsOrigins   []string
	rateBurst     int
	ratePerSec    float64
	retentionDays int
	linkAccess    http.Handler
	proxies       ProxyTrust
}

func New(rp ReadyProbe, version string, svc Services, opts ...Option) *API {
	a := &API{
		mux:           http.NewServeMux(),
		readyProbe:    rp,
		version:       version,
		svc:           svc,
		rateBurst:     10,
		ratePerSec:    1,
		retentionDays: 90,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.HandleFunc("/openapi.yaml", a.OpenAPISpec)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("/v1/reveal", a.handleReveal)
	a.mux.HandleFunc("/v1/reveal/check", a.handleRevealCheck)
	a.mux.HandleFunc("/v1/reveal/info", a.handleRevealInfo)

	a.linkAccess = RateLimit(http.HandlerFunc(a.accessLink), a.rateBurst, a.ratePerSec)
	a.mux.HandleFunc("/v1/links", a.handleLinksCollection)
	a.mux.HandleFunc("/v1/links/", a.handleLinkResource)

	a.mux.HandleFunc("/v1/sessions", a.handleSessions)
	a.mux.HandleFunc("/v1/sessions/suspicious", a.handleSuspiciousSessions)
	a.mux.HandleFunc("/v1/security/metrics", a.handleSecurityMetrics)
	a.mux.HandleFunc("/v1/security/compliance", a.handleCompliance)

	a.mux.HandleFunc("/v1/audit/history", a.handleAuditHistory)
	a.mux.HandleFunc("/v1/audit/documents/", a.handleDocumentHistory)
	a.mux.HandleFunc("/v1/audit/failed", a.handleFailedAttempts)
	a.mux.HandleFunc("/v1/audit/statistics", a.handleAuditStatistics)

	a.mux.HandleFunc("/v1/rotation/policies", a.handleRotationPolicies)
	a.mux.HandleFunc("/v1/rotation/policies/", a.handleRotationPolicyResource)

	a.mux.HandleFunc("/v1/mfa", a.handleMFA)
	a.mux.HandleFunc("/v1/mfa/enroll", a.handleMFAEnroll)
	a.mux.HandleFunc("/v1/mfa/activate", a.handleMFAActivate)

	a.mux.Handle("/v1/admin/", RequireRole("admin")(http.HandlerFunc(a.handleAdmin)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})

	return a
}

// Handler returns the full middleware chain around the router.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = WithClient(h, a.proxies)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	_, _ = w.Write(spec.OpenAPI)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func unavailable(w http.ResponseWriter, r *http.Request, what string) {
	writeError(w, r, http.StatusServiceUnavailable, what+" is not configured")
}
