package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Roles carried in tokens. Business roles for the field permission matrix
// come from the document store, never from the token.
const (
	RoleAdmin      = "admin"
	RoleLinksAdmin = "links.admin"
	RoleAuditor    = "auditor"
)

var ErrUnknownRole = errors.New("unknown role")

var tokenRoles = map[string]struct{}{
	RoleAdmin:      {},
	RoleLinksAdmin: {},
	RoleAuditor:    {},
}

// NormalizeRoles trims, lower-cases and dedupes roles, rejecting any role no
// gate recognises.
func NormalizeRoles(roles []string) ([]string, error) {
	out := make([]string, 0, len(roles))
	seen := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" {
			continue
		}
		if _, ok := tokenRoles[role]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out, nil
}

// CanAdminister reports whether roles grant administrative access.
func CanAdminister(roles []string) bool {
	return hasAny(roles, RoleAdmin)
}

// CanRevokeAnyLink reports whether roles allow revoking links created by someone else.
func CanRevokeAnyLink(roles []string) bool {
	return hasAny(roles, RoleAdmin, RoleLinksAdmin)
}

// CanReadSecurityData reports whether roles may read other actors' sessions and metrics.
func CanReadSecurityData(roles []string) bool {
	return hasAny(roles, RoleAdmin, RoleAuditor)
}

func hasAny(roles []string, want ...string) bool {
	for _, r := range roles {
		for _, w := range want {
			if r == w {
				return true
			}
		}
	}
	return false
}
