package httpapi

import (
	"net/http"

	"revealguard.org/internal/policy"
	"revealguard.org/internal/reveal"
)

type revealRequest struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Field      string `json:"field"`
	MFACode    string `json:"mfa_code,omitempty"`
}

func (req revealRequest) target() policy.Target {
	return policy.Target{EntityType: req.EntityType, EntityID: req.EntityID, Field: req.Field}
}

type revealResponse struct {
	Value string `json:"value"`
}

func (a *API) handleReveal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.svc.Reveal == nil {
		unavailable(w, r, "reveal")
		return
	}
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	var req revealRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	value, err := a.svc.Reveal.Reveal(r.Context(), reveal.Request{
		Actor:   actor,
		Target:  req.target(),
		MFACode: req.MFACode,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revealResponse{Value: value})
}

func (a *API) handleRevealCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.svc.Reveal == nil {
		unavailable(w, r, "reveal")
		return
	}
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	var req revealRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.svc.Reveal.CheckCanReveal(r.Context(), actor, req.target()))
}

func (a *API) handleRevealInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.svc.Reveal == nil {
		unavailable(w, r, "reveal")
		return
	}
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	info, err := a.svc.Reveal.Info(r.Context(), actor)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
