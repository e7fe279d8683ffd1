package httpapi

import (
	"net/http"
	"strings"
	"time"

	"revealguard.org/internal/audit"
	"revealguard.org/internal/auth"
	"revealguard.org/internal/obs"
)

// tokenRequest asks for a development token. Roles open the admin, auditor
// and links.admin gates; field access follows the actor's document roles.
type tokenRequest struct {
	User  string   `json:"user"`
	Roles []string `json:"roles"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	Roles     []string  `json:"roles"`
	ExpiresAt time.Time `json:"expires_at"`
}

const tokenTTL = 15 * time.Minute

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user := strings.TrimSpace(req.User)
	if user == "" {
		writeError(w, r, http.StatusBadRequest, "user is required")
		return
	}
	roles, err := auth.NormalizeRoles(req.Roles)
	if err != nil {
		writeErrorCode(w, r, http.StatusBadRequest, err.Error(), "unknown_role")
		return
	}

	token, err := auth.GenerateToken(user, roles, tokenTTL)
	if err != nil {
		obs.Error("token generation failed", map[string]any{"user": user, "err": err})
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	expiresAt := time.Now().UTC().Add(tokenTTL)
	fields := map[string]any{
		"user":       user,
		"roles":      roles,
		"expires_at": expiresAt.Format(time.RFC3339),
	}
	_ = audit.LogEvent(r.Context(), "auth.token.issued", fields)

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		Roles:     roles,
		ExpiresAt: expiresAt,
	})
}
