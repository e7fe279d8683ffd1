package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"revealguard.org/internal/audit"
	"revealguard.org/internal/auth"
	"revealguard.org/internal/docstore"
	"revealguard.org/internal/links"
	"revealguard.org/internal/mfa"
	"revealguard.org/internal/policy"
	"revealguard.org/internal/ratelimit"
	"revealguard.org/internal/reveal"
	"revealguard.org/internal/rotation"
	"revealguard.org/internal/sealer"
	"revealguard.org/internal/session"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestServices(t *testing.T) Services {
	t.Helper()
	s, err := sealer.NewXChaCha(bytes.Repeat([]byte{3}, 32))
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	ctx := context.Background()
	docs := docstore.NewMemory(s)
	docs.DefineType("User", docstore.Field{Name: "api_key", Type: docstore.FieldSecret}, docstore.Field{Name: "name", Type: docstore.FieldData})
	docs.PutDocument("User", "bob", map[string]string{"team": "ops"})
	docs.GrantRead("alice", "User", "bob")
	docs.GrantRead("mallory", "User", "bob")
	if err := docs.SetSecret(ctx, "User", "bob", "api_key", "s3cr3t-value"); err != nil {
		t.Fatalf("seed secret: %v", err)
	}

	ps := policy.NewMemoryStore()
	_ = ps.SetTrusted(ctx, "alice", true)
	_ = ps.SetAllowedEntityType(ctx, "User", true)

	gate := policy.NewGate(ps, docs, docs, docs)
	auditStore := audit.NewMemoryStore()
	recorder := audit.NewRecorder(auditStore)
	tracker := session.NewTracker(session.NewMemoryStore())
	secrets := mfa.NewMemorySecrets()

	svc := Services{
		Reveal: reveal.NewService(ratelimit.New(ratelimit.NewMemoryCounter()), gate, docs, recorder, tracker,
			reveal.WithRateLimit(3, time.Minute),
			reveal.WithMFA(mfa.NewVerifier(secrets, true)),
		),
		Admin:    policy.NewAdmin(ps, docs),
		Links:    links.NewIssuer(links.NewMemoryStore(), gate, docs, s, "https://reveal.example"),
		Sessions: tracker,
		Reporter: session.NewReporter(auditStore, secrets.CountEnabled, ps.CountTrusted),
		Rotation: rotation.NewExecutor(rotation.NewMemoryStore(), docs, docs),
		Audit:    recorder,
		MFA:      mfa.NewEnroller(secrets, "revealguard-test", nil),
	}
	return svc
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("REVEALGUARD_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	svc := newTestServices(t)
	api := New(ReadyProbe{}, "test", svc, WithGuestRate(100, 100))

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, headers)
}

func (c *apiClient) obtainToken(user string, roles []string) map[string]string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"user":  user,
		"roles": roles,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return map[string]string{"Authorization": "Bearer " + payload.Token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// itemList is the envelope of every list endpoint. Actor-scoped lists also
// echo the actor they were resolved for.
type itemList[T any] struct {
	Actor string `json:"actor"`
	Items []T    `json:"items"`
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, body)
	}
}

var bobKey = map[string]any{"entity_type": "User", "entity_id": "bob", "field": "api_key"}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/reveal", bobKey, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}
	resp.Body.Close()

	resp = api.post("/v1/reveal", bobKey, map[string]string{"Authorization": "Bearer not-a-jwt"})
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = api.get("/healthz", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	body := decode[map[string]any](t, resp)
	if body["service"] != serviceName {
		t.Fatalf("unexpected health body: %v", body)
	}

	resp = api.get("/openapi.yaml", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(raw), "/v1/reveal") {
		t.Fatalf("openapi document does not describe reveal")
	}
}

func TestTokenEndpointValidation(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/token", map[string]any{"user": "  "}, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.post("/v1/auth/token", map[string]any{"user": "alice", "extra": true}, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = api.post("/v1/auth/token", map[string]any{"user": "alice", "roles": []string{"superuser"}}, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	body := decode[map[string]any](t, resp)
	if body["code"] != "unknown_role" {
		t.Fatalf("unexpected error body: %v", body)
	}

	resp = api.post("/v1/auth/token", map[string]any{"user": "carol", "roles": []string{" Auditor ", "auditor"}}, nil)
	expectStatus(t, resp, http.StatusOK)
	issued := decode[tokenResponse](t, resp)
	if len(issued.Roles) != 1 || issued.Roles[0] != "auditor" {
		t.Fatalf("roles not normalised: %v", issued.Roles)
	}

	resp = api.get("/v1/auth/token", nil, nil)
	expectStatus(t, resp, http.StatusMethodNotAllowed)
	if resp.Header.Get("Allow") != http.MethodPost {
		t.Fatalf("unexpected Allow header: %q", resp.Header.Get("Allow"))
	}
	resp.Body.Close()
}

func TestRevealFlow(t *testing.T) {
	api := newTestAPI(t)
	alice := api.obtainToken("alice", nil)

	resp := api.post("/v1/reveal/check", bobKey, alice)
	expectStatus(t, resp, http.StatusOK)
	verdict := decode[policy.Verdict](t, resp)
	if !verdict.CanReveal {
		t.Fatalf("expected alice to be able to reveal: %+v", verdict)
	}

	resp = api.post("/v1/reveal", bobKey, alice)
	expectStatus(t, resp, http.StatusOK)
	if resp.Header.Get("Cache-Control") != "no-store" {
		t.Fatalf("reveal responses must not be cacheable")
	}
	got := decode[revealResponse](t, resp)
	if got.Value != "s3cr3t-value" {
		t.Fatalf("unexpected value %q", got.Value)
	}

	resp = api.get("/v1/reveal/info", nil, alice)
	expectStatus(t, resp, http.StatusOK)
	info := decode[reveal.Info](t, resp)
	if !info.IsTrusted || info.RecentReveals != 1 || info.RemainingCalls != 2 {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestRevealErrorMapping(t *testing.T) {
	api := newTestAPI(t)

	mallory := api.obtainToken("mallory", nil)
	resp := api.post("/v1/reveal", bobKey, mallory)
	expectStatus(t, resp, http.StatusForbidden)
	body := decode[map[string]any](t, resp)
	if body["code"] != policy.CodeUntrustedActor {
		t.Fatalf("unexpected error body: %v", body)
	}
	if body["request_id"] == "" || body["request_id"] == nil {
		t.Fatalf("expected request_id in error body")
	}

	alice := api.obtainToken("alice", nil)
	bad := map[string]any{"entity_type": "User", "entity_id": "bob'; drop", "field": "api_key"}
	resp = api.post("/v1/reveal", bad, alice)
	expectStatus(t, resp, http.StatusBadRequest)
	body = decode[map[string]any](t, resp)
	if body["code"] != policy.CodeInvalidCharacters {
		t.Fatalf("unexpected error body: %v", body)
	}

	for i := 0; i < 2; i++ {
		resp = api.post("/v1/reveal", bobKey, alice)
		expectStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}

	resp = api.post("/v1/reveal", bobKey, alice)
	expectStatus(t, resp, http.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	resp.Body.Close()
}

func TestTemporaryLinkFlow(t *testing.T) {
	api := newTestAPI(t)
	alice := api.obtainToken("alice", nil)

	req := map[string]any{"entity_type": "User", "entity_id": "bob", "field": "api_key", "max_uses": 1}
	resp := api.post("/v1/links", req, alice)
	expectStatus(t, resp, http.StatusCreated)
	created := decode[links.Created](t, resp)
	u, err := url.Parse(created.URL)
	if err != nil {
		t.Fatalf("parse link url: %v", err)
	}
	token := u.Query().Get("token")

	resp = api.post("/v1/links/"+created.LinkID+"/access", map[string]any{"token": "nope"}, nil)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.post("/v1/links/"+created.LinkID+"/access", map[string]any{"token": token}, nil)
	expectStatus(t, resp, http.StatusOK)
	access := decode[accessLinkResponse](t, resp)
	if access.Password != "s3cr3t-value" || access.UsesRemaining != 0 {
		t.Fatalf("unexpected access: %+v", access)
	}

	resp = api.post("/v1/links/"+created.LinkID+"/access", map[string]any{"token": token}, nil)
	expectStatus(t, resp, http.StatusGone)
	body := decode[map[string]any](t, resp)
	if body["error"] != "Link usage limit reached" {
		t.Fatalf("unexpected body: %v", body)
	}

	resp = api.get("/v1/links/"+created.LinkID+"/logs", nil, alice)
	expectStatus(t, resp, http.StatusOK)
	logs := decode[itemList[links.AccessLog]](t, resp)
	if len(logs.Items) != 3 {
		t.Fatalf("expected 3 access log entries, got %d", len(logs.Items))
	}

	resp = api.get("/v1/links", nil, alice)
	expectStatus(t, resp, http.StatusOK)
	list := decode[itemList[links.Link]](t, resp)
	if len(list.Items) != 1 || list.Items[0].Active {
		t.Fatalf("unexpected link list: %+v", list)
	}

	mallory := api.obtainToken("mallory", nil)
	resp = api.do(http.MethodDelete, "/v1/links/"+created.LinkID, nil, mallory)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
	resp = api.do(http.MethodDelete, "/v1/links/"+created.LinkID, nil, alice)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()
}

func TestAdminRoutes(t *testing.T) {
	api := newTestAPI(t)
	mallory := api.obtainToken("mallory", nil)
	admin := api.obtainToken("root", []string{"admin"})

	resp := api.do(http.MethodPut, "/v1/admin/trusted/mallory", map[string]any{"enabled": true}, mallory)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.do(http.MethodPut, "/v1/admin/trusted/mallory", map[string]any{"enabled": true}, admin)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.post("/v1/reveal", bobKey, mallory)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.do(http.MethodPut, "/v1/admin/entity-types/Ghost", map[string]any{"enabled": true}, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	rules := map[string]any{"rules": []map[string]any{
		{"entity_type": "User", "field": "api_key", "role": "support", "can_reveal": true},
		{"entity_type": "User", "field": "missing", "role": "support", "can_reveal": true},
	}}
	resp = api.post("/v1/admin/field-rules", rules, admin)
	expectStatus(t, resp, http.StatusOK)
	res := decode[policy.BulkResult](t, resp)
	if res.Created != 1 || res.Failed != 1 {
		t.Fatalf("unexpected bulk result: %+v", res)
	}

	// Now a rule exists for the field and mallory holds no allowing role.
	resp = api.post("/v1/reveal", bobKey, mallory)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.get("/v1/admin/field-rules", url.Values{"entity_type": {"User"}}, admin)
	expectStatus(t, resp, http.StatusOK)
	listed := decode[itemList[policy.FieldRule]](t, resp)
	if len(listed.Items) != 1 {
		t.Fatalf("unexpected rules: %+v", listed)
	}

	resp = api.get("/v1/admin/secret-fields/User", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	fields := decode[map[string]any](t, resp)
	if got := fields["fields"].([]any); len(got) != 1 || got[0] != "api_key" {
		t.Fatalf("unexpected secret fields: %v", fields)
	}

	resp = api.do(http.MethodDelete, "/v1/admin/ratelimit/mallory", nil, admin)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = api.post("/v1/admin/audit/cleanup?days=30", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	cleaned := decode[map[string]any](t, resp)
	if cleaned["deleted"] != float64(0) {
		t.Fatalf("fresh entries must survive cleanup: %v", cleaned)
	}
}

func TestSecurityReadAccess(t *testing.T) {
	api := newTestAPI(t)
	alice := api.obtainToken("alice", nil)
	auditor := api.obtainToken("carol", []string{"auditor"})

	resp := api.post("/v1/reveal", bobKey, alice)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.get("/v1/sessions", nil, alice)
	expectStatus(t, resp, http.StatusOK)
	own := decode[itemList[session.Record]](t, resp)
	if own.Actor != "alice" || len(own.Items) != 1 {
		t.Fatalf("expected one session for alice, got %q/%d", own.Actor, len(own.Items))
	}

	resp = api.get("/v1/sessions", url.Values{"actor": {"mallory"}}, alice)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.get("/v1/sessions", url.Values{"actor": {"alice"}}, auditor)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.get("/v1/security/metrics", url.Values{"days": {"7"}}, alice)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.get("/v1/security/metrics", url.Values{"days": {"7"}}, auditor)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.get("/v1/security/compliance", nil, auditor)
	expectStatus(t, resp, http.StatusOK)
	report := decode[session.Compliance](t, resp)
	if report.TotalReveals != 1 || report.MFAAdoption.Total != 1 {
		t.Fatalf("unexpected compliance report: %+v", report)
	}

	resp = api.get("/v1/audit/history", nil, alice)
	expectStatus(t, resp, http.StatusOK)
	hist := decode[itemList[audit.Entry]](t, resp)
	if len(hist.Items) != 1 || !hist.Items[0].Success {
		t.Fatalf("unexpected audit history: %+v", hist)
	}

	resp = api.get("/v1/audit/documents/User/bob", nil, auditor)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.get("/v1/audit/statistics", url.Values{"days": {"0"}}, auditor)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestRotationRoutes(t *testing.T) {
	api := newTestAPI(t)
	admin := api.obtainToken("root", []string{"admin"})
	alice := api.obtainToken("alice", nil)

	policyBody := map[string]any{
		"name":        "ops keys",
		"entity_type": "User",
		"field":       "api_key",
		"frequency":   "weekly",
		"filter":      map[string]string{"team": "ops"},
		"use_digits":  true,
		"enabled":     true,
	}
	resp := api.post("/v1/rotation/policies", policyBody, alice)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.post("/v1/rotation/policies", policyBody, admin)
	expectStatus(t, resp, http.StatusCreated)
	saved := decode[rotation.Policy](t, resp)
	if saved.ID == "" || saved.Length != rotation.DefaultLength || saved.NextRotation == nil {
		t.Fatalf("unexpected saved policy: %+v", saved)
	}

	resp = api.post("/v1/rotation/policies/"+saved.ID+"/run", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	res := decode[map[string]any](t, resp)
	if res["success_count"] != float64(1) || res["failure_count"] != float64(0) {
		t.Fatalf("unexpected rotation result: %v", res)
	}

	resp = api.post("/v1/reveal", bobKey, alice)
	expectStatus(t, resp, http.StatusOK)
	got := decode[revealResponse](t, resp)
	if got.Value == "s3cr3t-value" || len(got.Value) != rotation.DefaultLength {
		t.Fatalf("secret was not rotated: %q", got.Value)
	}

	resp = api.get("/v1/rotation/policies/"+saved.ID+"/history", nil, admin)
	expectStatus(t, resp, http.StatusOK)
	hist := decode[itemList[rotation.History]](t, resp)
	if len(hist.Items) != 1 || hist.Items[0].Status != rotation.StatusSuccess {
		t.Fatalf("unexpected history: %+v", hist)
	}

	resp = api.post("/v1/rotation/policies/missing/run", nil, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	bad := map[string]any{"name": "x", "entity_type": "User", "field": "name", "frequency": "daily"}
	resp = api.post("/v1/rotation/policies", bad, admin)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestMFAEnrollmentRoutes(t *testing.T) {
	api := newTestAPI(t)
	alice := api.obtainToken("alice", nil)

	resp := api.post("/v1/mfa/enroll", nil, alice)
	expectStatus(t, resp, http.StatusOK)
	enrollment := decode[mfa.Enrollment](t, resp)
	if enrollment.Secret == "" || !strings.HasPrefix(enrollment.URL, "otpauth://totp/") {
		t.Fatalf("unexpected enrollment: %+v", enrollment)
	}

	resp = api.post("/v1/mfa/activate", map[string]any{"code": "000000x"}, alice)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.do(http.MethodDelete, "/v1/mfa", nil, alice)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()
}
