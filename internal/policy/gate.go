// Package policy evaluates whether an actor may reveal a secret field.
//
// Checks run in a fixed order and stop at the first failure:
//
//  1. syntactic validation of the target
//  2. entity type exists in the schema registry
//  3. actor is trusted
//  4. entity type is allowlisted
//  5. document exists and the actor can read it
//  6. field permission matrix
package policy

import (
	"context"
	"fmt"
	"strings"

	"revealguard.org/internal/docstore"
	"revealguard.org/internal/errs"
	"revealguard.org/internal/obs"
)

// Reason codes attached to gate denials.
const (
	CodeInvalidParameters = "invalid_parameters"
	CodeInvalidCharacters = "invalid_characters"
	CodeUnknownEntityType = "unknown_entity_type"
	CodeUntrustedActor    = "untrusted_actor"
	CodeEntityTypeBlocked = "entity_type_not_allowed"
	CodeDocumentNotFound  = "document_not_found"
	CodeNoReadAccess      = "no_read_access"
	CodeFieldRuleDenied   = "field_rule_denied"
)

var dangerousSubstrings = []string{"'", `"`, ";", "--", "/*", "*/", "xp_", "sp_"}

// Target identifies one secret field on one document.
type Target struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Field      string `json:"field"`
}

func (t Target) String() string {
	return t.EntityType + "/" + t.EntityID + "/" + t.Field
}

// Verdict is the dry-run answer used by clients to decide whether to offer a reveal.
type Verdict struct {
	CanReveal bool   `json:"can_reveal"`
	Reason    string `json:"reason"`
}

type Gate struct {
	store    Store
	docs     docstore.Documents
	schema   docstore.Schema
	identity docstore.Identity
}

func NewGate(store Store, docs docstore.Documents, schema docstore.Schema, identity docstore.Identity) *Gate {
	return &Gate{store: store, docs: docs, schema: schema, identity: identity}
}

// Validate runs the syntactic checks only.
func Validate(t Target) error {
	if strings.TrimSpace(t.EntityType) == "" {
		return errs.Validation(CodeInvalidParameters, "Invalid entity type")
	}
	if strings.TrimSpace(t.EntityID) == "" {
		return errs.Validation(CodeInvalidParameters, "Invalid document name")
	}
	if strings.TrimSpace(t.Field) == "" {
		return errs.Validation(CodeInvalidParameters, "Invalid field name")
	}
	for _, v := range []string{t.EntityType, t.EntityID, t.Field} {
		if containsDangerous(v) || containsControl(v) {
			obs.Warn("rejected suspicious reveal parameter", map[string]any{"value": v})
			return errs.Validation(CodeInvalidCharacters, "Invalid characters in parameters")
		}
	}
	return nil
}

func containsDangerous(v string) bool {
	lower := strings.ToLower(v)
	for _, d := range dangerousSubstrings {
		if strings.Contains(lower, d) {
			return true
		}
	}
	return false
}

func containsControl(v string) bool {
	for _, r := range v {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}

// Authorize runs the full check chain. It returns nil when the reveal is
// permitted and an *errs.Error describing the first failed check otherwise.
func (g *Gate) Authorize(ctx context.Context, actor string, t Target) error {
	if err := Validate(t); err != nil {
		return err
	}
	exists, err := g.schema.EntityTypeExists(ctx, t.EntityType)
	if err != nil {
		return errs.Internal(fmt.Errorf("schema lookup %s: %w", t.EntityType, err))
	}
	if !exists {
		return errs.Validation(CodeUnknownEntityType, fmt.Sprintf("Entity type %s does not exist", t.EntityType))
	}
	if err := g.checkActorAndDocument(ctx, actor, t); err != nil {
		return err
	}
	return g.checkFieldRules(ctx, actor, t)
}

func (g *Gate) checkActorAndDocument(ctx context.Context, actor string, t Target) error {
	trusted, err := g.store.IsTrusted(ctx, actor)
	if err != nil {
		return errs.Internal(fmt.Errorf("trusted actor lookup: %w", err))
	}
	if !trusted {
		obs.Warn("unauthorized reveal attempt", map[string]any{"actor": actor, "target": t.String()})
		return errs.Permission(CodeUntrustedActor, "You are not authorized to reveal secrets.")
	}
	allowed, err := g.store.IsEntityTypeAllowed(ctx, t.EntityType)
	if err != nil {
		return errs.Internal(fmt.Errorf("entity type allowlist lookup: %w", err))
	}
	if !allowed {
		obs.Warn("reveal attempt on entity type outside allowlist", map[string]any{"actor": actor, "entity_type": t.EntityType})
		return errs.Permission(CodeEntityTypeBlocked, fmt.Sprintf("Secret reveal is not enabled for %s", t.EntityType))
	}
	found, err := g.docs.Exists(ctx, t.EntityType, t.EntityID)
	if err != nil {
		return errs.Internal(fmt.Errorf("document lookup: %w", err))
	}
	if !found {
		return errs.Validation(CodeDocumentNotFound, fmt.Sprintf("Document %s not found", t.EntityID))
	}
	canRead, err := g.docs.HasReadPermission(ctx, actor, t.EntityType, t.EntityID)
	if err != nil {
		return errs.Internal(fmt.Errorf("read permission lookup: %w", err))
	}
	if !canRead {
		return errs.Permission(CodeNoReadAccess, "You do not have permission to access this document")
	}
	return nil
}

// checkFieldRules applies the matrix. With no rules for the field the reveal is
// allowed. Once any rule exists the actor needs an explicit allow for one of
// their roles, and an explicit deny for any of their roles wins.
func (g *Gate) checkFieldRules(ctx context.Context, actor string, t Target) error {
	rules, err := g.store.RulesFor(ctx, t.EntityType, t.Field)
	if err != nil {
		return errs.Internal(fmt.Errorf("field rules lookup: %w", err))
	}
	if len(rules) == 0 {
		return nil
	}
	roles, err := g.identity.Roles(ctx, actor)
	if err != nil {
		return errs.Internal(fmt.Errorf("roles lookup: %w", err))
	}
	held := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		held[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	allowed := false
	for _, rule := range rules {
		if _, ok := held[strings.ToLower(rule.Role)]; !ok {
			continue
		}
		if !rule.CanReveal {
			return errs.Permission(CodeFieldRuleDenied, "Your role is not permitted to reveal this field")
		}
		allowed = true
	}
	if !allowed {
		return errs.Permission(CodeFieldRuleDenied, "Your role is not permitted to reveal this field")
	}
	return nil
}

// CheckCanReveal evaluates trust, allowlist and document access without
// touching the field value. Faults are reported as a denial.
func (g *Gate) CheckCanReveal(ctx context.Context, actor string, t Target) Verdict {
	trusted, err := g.store.IsTrusted(ctx, actor)
	if err != nil {
		return checkFault(err)
	}
	if !trusted {
		return Verdict{Reason: "You are not a trusted user"}
	}
	allowed, err := g.store.IsEntityTypeAllowed(ctx, t.EntityType)
	if err != nil {
		return checkFault(err)
	}
	if !allowed {
		return Verdict{Reason: "Secret reveal not enabled for this entity type"}
	}
	found, err := g.docs.Exists(ctx, t.EntityType, t.EntityID)
	if err != nil {
		return checkFault(err)
	}
	if !found {
		return Verdict{Reason: "You do not have access to this document"}
	}
	canRead, err := g.docs.HasReadPermission(ctx, actor, t.EntityType, t.EntityID)
	if err != nil {
		return checkFault(err)
	}
	if !canRead {
		return Verdict{Reason: "You do not have access to this document"}
	}
	return Verdict{CanReveal: true, Reason: "You can reveal this secret"}
}

func checkFault(err error) Verdict {
	obs.Error("error checking reveal permission", map[string]any{"err": err})
	return Verdict{Reason: "Error checking permissions"}
}

// IsTrusted exposes the trusted-actor check to other entry points.
func (g *Gate) IsTrusted(ctx context.Context, actor string) (bool, error) {
	return g.store.IsTrusted(ctx, actor)
}

// AllowedEntityTypes lists the enabled allowlist entries.
func (g *Gate) AllowedEntityTypes(ctx context.Context) ([]string, error) {
	return g.store.AllowedEntityTypes(ctx)
}
