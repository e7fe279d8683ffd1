package httpapi

import (
	"net/http"

	"revealguard.org/internal/audit"
)

type activateMFARequest struct {
	Code string `json:"code"`
}

func (a *API) handleMFAEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.svc.MFA == nil {
		unavailable(w, r, "mfa")
		return
	}
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	enrollment, err := a.svc.MFA.Begin(r.Context(), actor)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "mfa.enrollment.started", nil)
	writeJSON(w, http.StatusOK, enrollment)
}

func (a *API) handleMFAActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.svc.MFA == nil {
		unavailable(w, r, "mfa")
		return
	}
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	var req activateMFARequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.MFA.Activate(r.Context(), actor, req.Code); err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "mfa.enabled", nil)
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true})
}

func (a *API) handleMFA(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if a.svc.MFA == nil {
		unavailable(w, r, "mfa")
		return
	}
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	if err := a.svc.MFA.Disable(r.Context(), actor); err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "mfa.disabled", nil)
	w.WriteHeader(http.StatusNoContent)
}
