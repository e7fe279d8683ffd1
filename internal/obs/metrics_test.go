package obs

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                   "/",
		"/metrics":                           "/metrics",
		"/v1/links/abc":                      "/v1/links/:id",
		"/v1/links/abc/access":               "/v1/links/:id/access",
		"/v1/links/abc/extra/more":           "/v1/links/abc/extra/more",
		"/v1/reveal":                         "/v1/reveal",
		"/v1/sessions?limit=10":              "/v1/sessions",
		"/v1/rotation/policies/p1/run":       "/v1/rotation/policies/:id/run",
		"/v1/admin/trusted/alice@corp":       "/v1/admin/trusted/:id",
		"/v1/admin/field-rules/anything":     "/v1/admin/field-rules/anything",
		"/v1/security/metrics?days=7":        "/v1/security/metrics",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestLogMergesFields(t *testing.T) {
	logger := Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	Warn("backend down", map[string]any{"err": errors.New("dial tcp: refused"), "level": "overridden"})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["level"] != "warn" || entry["msg"] != "backend down" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["err"] != "dial tcp: refused" {
		t.Fatalf("error not stringified: %v", entry["err"])
	}
	if entry["ts"] == nil {
		t.Fatalf("missing ts")
	}
}
