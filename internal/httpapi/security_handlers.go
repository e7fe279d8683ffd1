package httpapi

import (
	"net/http"
	"strings"
	"time"

	"revealguard.org/internal/audit"
	"revealguard.org/internal/auth"
	"revealguard.org/internal/session"
)

// requireSecurityReader writes 403 unless the caller may read other actors' data.
func requireSecurityReader(w http.ResponseWriter, r *http.Request) bool {
	if !auth.CanReadSecurityData(auth.RolesFromContext(r.Context())) {
		writeErrorCode(w, r, http.StatusForbidden, "security data requires the admin or auditor role", "forbidden")
		return false
	}
	return true
}

// subjectActor resolves ?actor=; reading anyone but yourself needs a security role.
func subjectActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	self, ok := actorOrReject(w, r)
	if !ok {
		return "", false
	}
	target := strings.TrimSpace(r.URL.Query().Get("actor"))
	if target == "" || target == self {
		return self, true
	}
	if !requireSecurityReader(w, r) {
		return "", false
	}
	return target, true
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.svc.Sessions == nil {
		unavailable(w, r, "sessions")
		return
	}
	actor, ok := subjectActor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), "limit", 50, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parsePositiveInt(q.Get("offset"), "offset", 0, 0, 1_000_000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.svc.Sessions.History(r.Context(), actor, limit, offset)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []session.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actor": actor, "items": items})
}

func (a *API) handleSuspiciousSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.svc.Sessions == nil {
		unavailable(w, r, "sessions")
		return
	}
	if !requireSecurityReader(w, r) {
		return
	}
	days, err := parsePositiveInt(r.URL.Query().Get("days"), "days", 7, 1, 365)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.svc.Sessions.Suspicious(r.Context(), days)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []session.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": days, "items": items})
}

func (a *API) handleSecurityMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.svc.Sessions == nil {
		unavailable(w, r, "sessions")
		return
	}
	if !requireSecurityReader(w, r) {
		return
	}
	days, err := parsePositiveInt(r.URL.Query().Get("days"), "days", 7, 1, 365)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.svc.Sessions.Metrics(r.Context(), days)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleCompliance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.svc.Reporter == nil {
		unavailable(w, r, "compliance reporting")
		return
	}
	if !requireSecurityReader(w, r) {
		return
	}
	days, err := parsePositiveInt(r.URL.Query().Get("days"), "days", 30, 1, 3650)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	report, err := a.svc.Reporter.ComplianceReport(r.Context(), days)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleAuditHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.svc.Audit == nil {
		unavailable(w, r, "audit")
		return
	}
	actor, ok := subjectActor(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var query audit.Query
	var err error
	if query.Limit, err = parsePositiveInt(q.Get("limit"), "limit", 100, 1, 1000); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if query.From, err = parseTime(q.Get("from"), "from"); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if query.To, err = parseTime(q.Get("to"), "to"); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.svc.Audit.Store().UserHistory(r.Context(), actor, query)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actor": actor, "items": items})
}

// handleDocumentHistory serves /v1/audit/documents/{entity_type}/{entity_id}.
func (a *API) handleDocumentHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.svc.Audit == nil {
		unavailable(w, r, "audit")
		return
	}
	if !requireSecurityReader(w, r) {
		return
	}
	parts := splitPath(r.URL.Path, "/v1/audit/documents/")
	if len(parts) != 2 {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), "limit", 50, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.svc.Audit.Store().DocumentHistory(r.Context(), parts[0], parts[1], limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleFailedAttempts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.svc.Audit == nil {
		unavailable(w, r, "audit")
		return
	}
	if !requireSecurityReader(w, r) {
		return
	}
	q := r.URL.Query()
	hours, err := parsePositiveInt(q.Get("hours"), "hours", 24, 1, 24*90)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	minAttempts, err := parsePositiveInt(q.Get("min_attempts"), "min_attempts", 3, 1, 10000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	since := a.svc.Audit.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	items, err := a.svc.Audit.Store().FailedAttempts(r.Context(), since, minAttempts)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []audit.FailedAttempts{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleAuditStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.svc.Audit == nil {
		unavailable(w, r, "audit")
		return
	}
	if !requireSecurityReader(w, r) {
		return
	}
	days, err := parsePositiveInt(r.URL.Query().Get("days"), "days", 30, 1, 3650)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	since := a.svc.Audit.Now().UTC().AddDate(0, 0, -days)
	st, err := a.svc.Audit.Store().Statistics(r.Context(), since)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
