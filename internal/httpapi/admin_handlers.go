package httpapi

import (
	"net/http"

	"revealguard.org/internal/audit"
	"revealguard.org/internal/policy"
)

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

type fieldRulesRequest struct {
	Rules []policy.FieldRule `json:"rules"`
}

// handleAdmin routes everything under /v1/admin/. RequireRole("admin") runs first.
func (a *API) handleAdmin(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/v1/admin/")
	if len(parts) == 0 {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	switch {
	case parts[0] == "trusted" && len(parts) == 2:
		a.adminToggle(w, r, func(enabled bool) error {
			return a.svc.Admin.SetTrusted(r.Context(), parts[1], enabled)
		}, "policy.trusted.updated", map[string]any{"target_actor": parts[1]})
	case parts[0] == "entity-types" && len(parts) == 2:
		a.adminToggle(w, r, func(enabled bool) error {
			return a.svc.Admin.SetAllowedEntityType(r.Context(), parts[1], enabled)
		}, "policy.entity_type.updated", map[string]any{"entity_type": parts[1]})
	case parts[0] == "field-rules" && len(parts) == 1:
		a.adminFieldRules(w, r)
	case parts[0] == "secret-fields" && len(parts) == 2:
		a.adminSecretFields(w, r, parts[1])
	case parts[0] == "ratelimit" && len(parts) == 2:
		a.adminResetRateLimit(w, r, parts[1])
	case parts[0] == "audit" && len(parts) == 2 && parts[1] == "cleanup":
		a.adminAuditCleanup(w, r)
	default:
		writeError(w, r, http.StatusNotFound, "not found")
	}
}

func (a *API) adminToggle(w http.ResponseWriter, r *http.Request, apply func(bool) error, event string, fields map[string]any) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	if a.svc.Admin == nil {
		unavailable(w, r, "policy administration")
		return
	}
	var req toggleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Enabled == nil {
		writeError(w, r, http.StatusBadRequest, "enabled is required")
		return
	}
	if err := apply(*req.Enabled); err != nil {
		handleServiceError(w, r, err)
		return
	}
	fields["enabled"] = *req.Enabled
	_ = audit.LogEvent(r.Context(), event, fields)
	writeJSON(w, http.StatusOK, fields)
}

func (a *API) adminFieldRules(w http.ResponseWriter, r *http.Request) {
	if a.svc.Admin == nil {
		unavailable(w, r, "policy administration")
		return
	}
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		rules, err := a.svc.Admin.FieldRules(r.Context(), policy.RuleFilter{
			EntityType: q.Get("entity_type"),
			Field:      q.Get("field"),
			Role:       q.Get("role"),
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		if rules == nil {
			rules = []policy.FieldRule{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": rules})
	case http.MethodPost:
		var req fieldRulesRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if len(req.Rules) == 0 {
			writeError(w, r, http.StatusBadRequest, "rules are required")
			return
		}
		res := a.svc.Admin.BulkUpsertFieldRules(r.Context(), req.Rules)
		_ = audit.LogEvent(r.Context(), "policy.field_rules.saved", map[string]any{
			"created": res.Created,
			"updated": res.Updated,
			"failed":  res.Failed,
		})
		writeJSON(w, http.StatusOK, res)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) adminSecretFields(w http.ResponseWriter, r *http.Request, entityType string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.svc.Admin == nil {
		unavailable(w, r, "policy administration")
		return
	}
	fields, err := a.svc.Admin.SecretFields(r.Context(), entityType)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if fields == nil {
		fields = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity_type": entityType, "fields": fields})
}

func (a *API) adminResetRateLimit(w http.ResponseWriter, r *http.Request, actor string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if a.svc.Reveal == nil {
		unavailable(w, r, "reveal")
		return
	}
	if err := a.svc.Reveal.ResetRateLimit(r.Context(), actor); err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "ratelimit.reset", map[string]any{"target_actor": actor})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) adminAuditCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.svc.Audit == nil {
		unavailable(w, r, "audit")
		return
	}
	days, err := parsePositiveInt(r.URL.Query().Get("days"), "days", a.retentionDays, 1, 3650)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	n, err := a.svc.Audit.Cleanup(r.Context(), days)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "audit.cleanup", map[string]any{"days": days, "deleted": n})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n, "retention_days": days})
}
