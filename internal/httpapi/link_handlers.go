package httpapi

import (
	"net/http"
	"time"

	"revealguard.org/internal/audit"
	"revealguard.org/internal/auth"
	"revealguard.org/internal/links"
	"revealguard.org/internal/policy"
)

type createLinkRequest struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Field      string `json:"field"`
	TTLHours   int    `json:"expires_hours"`
	MaxUses    int    `json:"max_uses"`
}

type accessLinkRequest struct {
	Token string `json:"token"`
}

type accessLinkResponse struct {
	Password      string    `json:"password"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Field         string    `json:"field"`
	UsesRemaining int       `json:"uses_remaining"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func (a *API) handleLinksCollection(w http.ResponseWriter, r *http.Request) {
	if a.svc.Links == nil {
		unavailable(w, r, "links")
		return
	}
	switch r.Method {
	case http.MethodPost:
		a.createLink(w, r)
	case http.MethodGet:
		a.listLinks(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleLinkResource routes /v1/links/{id}, /v1/links/{id}/access and /v1/links/{id}/logs.
func (a *API) handleLinkResource(w http.ResponseWriter, r *http.Request) {
	if a.svc.Links == nil {
		unavailable(w, r, "links")
		return
	}
	parts := splitPath(r.URL.Path, "/v1/links/")
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		a.revokeLink(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "access":
		a.linkAccess.ServeHTTP(w, r)
	case len(parts) == 2 && parts[1] == "logs":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.linkLogs(w, r, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "not found")
	}
}

func (a *API) createLink(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	var req createLinkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	created, err := a.svc.Links.Create(r.Context(), actor, links.CreateRequest{
		Target:   policy.Target{EntityType: req.EntityType, EntityID: req.EntityID, Field: req.Field},
		TTLHours: req.TTLHours,
		MaxUses:  req.MaxUses,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) listLinks(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), "limit", 50, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.svc.Links.ListByCreator(r.Context(), actor, limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []links.Link{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) revokeLink(w http.ResponseWriter, r *http.Request, linkID string) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	if err := a.svc.Links.Revoke(r.Context(), actor, auth.RolesFromContext(r.Context()), linkID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// accessLink is the unauthenticated guest entry point; the token is the only credential.
func (a *API) accessLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	parts := splitPath(r.URL.Path, "/v1/links/")
	if len(parts) != 2 {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	var req accessLinkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Token == "" {
		req.Token = r.URL.Query().Get("token")
	}
	got, err := a.svc.Links.Access(r.Context(), parts[0], req.Token)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "link.accessed", map[string]any{
		"link_id":        parts[0],
		"uses_remaining": got.UsesRemaining,
	})
	writeJSON(w, http.StatusOK, accessLinkResponse{
		Password:      got.Secret,
		EntityType:    got.EntityType,
		EntityID:      got.EntityID,
		Field:         got.Field,
		UsesRemaining: got.UsesRemaining,
		ExpiresAt:     got.ExpiresAt,
	})
}

func (a *API) linkLogs(w http.ResponseWriter, r *http.Request, linkID string) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	items, err := a.svc.Links.AccessLogsFor(r.Context(), actor, auth.RolesFromContext(r.Context()), linkID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []links.AccessLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
