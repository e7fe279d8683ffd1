package httpapi

import (
	"net/http"

	"revealguard.org/internal/audit"
	"revealguard.org/internal/auth"
	"revealguard.org/internal/rotation"
)

func (a *API) rotationGuard(w http.ResponseWriter, r *http.Request) bool {
	if a.svc.Rotation == nil {
		unavailable(w, r, "rotation")
		return false
	}
	if _, ok := actorOrReject(w, r); !ok {
		return false
	}
	if !auth.CanAdminister(auth.RolesFromContext(r.Context())) {
		writeErrorCode(w, r, http.StatusForbidden, "rotation policies require the admin role", "forbidden")
		return false
	}
	return true
}

func (a *API) handleRotationPolicies(w http.ResponseWriter, r *http.Request) {
	if !a.rotationGuard(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		items, err := a.svc.Rotation.Policies(r.Context())
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		if items == nil {
			items = []rotation.Policy{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var p rotation.Policy
		if err := decodeJSON(w, r, &p); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		p.ID = ""
		p.LastRotation = nil
		saved, err := a.svc.Rotation.SavePolicy(r.Context(), p)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "rotation.policy.created", map[string]any{"policy": saved.ID, "entity_type": saved.EntityType})
		writeJSON(w, http.StatusCreated, saved)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleRotationPolicyResource routes /v1/rotation/policies/{id}[/run|/history].
func (a *API) handleRotationPolicyResource(w http.ResponseWriter, r *http.Request) {
	if !a.rotationGuard(w, r) {
		return
	}
	parts := splitPath(r.URL.Path, "/v1/rotation/policies/")
	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			p, err := a.svc.Rotation.Policy(r.Context(), parts[0])
			if err != nil {
				handleServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, p)
		case http.MethodPut:
			a.updateRotationPolicy(w, r, parts[0])
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
		}
	case len(parts) == 2 && parts[1] == "run":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		res, err := a.svc.Rotation.Execute(r.Context(), parts[0])
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case len(parts) == 2 && parts[1] == "history":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		limit, err := parsePositiveInt(r.URL.Query().Get("limit"), "limit", 100, 1, 500)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		items, err := a.svc.Rotation.History(r.Context(), parts[0], limit)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		if items == nil {
			items = []rotation.History{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		writeError(w, r, http.StatusNotFound, "not found")
	}
}

func (a *API) updateRotationPolicy(w http.ResponseWriter, r *http.Request, id string) {
	existing, err := a.svc.Rotation.Policy(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	var p rotation.Policy
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p.ID = existing.ID
	p.LastRotation = existing.LastRotation
	saved, err := a.svc.Rotation.SavePolicy(r.Context(), p)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rotation.policy.updated", map[string]any{"policy": saved.ID})
	writeJSON(w, http.StatusOK, saved)
}
