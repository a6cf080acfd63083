// Package authz checks governance permissions for authenticated callers.
//
// This package exists to share access-control logic between the HTTP server
// and the MCP server without creating a circular dependency (both import this
// package; neither imports the other). Services never check permissions
// themselves.
package authz

import (
	"log/slog"

	"github.com/ashita-ai/shugo/internal/auth"
	"github.com/ashita-ai/shugo/internal/model"
)

// Authorize returns a *model.PermissionError when the caller's role does not
// hold perm. A nil caller holds nothing.
func Authorize(claims *auth.Claims, perm model.Permission) error {
	var role model.Role
	if claims != nil {
		role = claims.Role
	}
	if model.HasPermission(role, perm) {
		return nil
	}
	attrs := []any{"permission", perm, "role", role}
	if claims != nil {
		attrs = append(attrs, "tenant_id", claims.TenantID, "actor", claims.Actor)
	}
	slog.Debug("authz: permission denied", attrs...)
	return &model.PermissionError{Permission: perm, Role: role, Allowed: model.RolesWith(perm)}
}

// AuthorizeAll requires every permission in perms, reporting the first one
// missing.
func AuthorizeAll(claims *auth.Claims, perms ...model.Permission) error {
	for _, p := range perms {
		if err := Authorize(claims, p); err != nil {
			return err
		}
	}
	return nil
}

// AuthorizeOverride requires override.use when the caller supplies an
// override. A nil override needs no extra permission.
func AuthorizeOverride(claims *auth.Claims, o *model.Override) error {
	if o == nil {
		return nil
	}
	return Authorize(claims, model.PermOverride)
}

// SkillTransitionPermission is the permission a lifecycle move needs:
// skills.force_state for forced moves, skills.promote otherwise.
func SkillTransitionPermission(force bool) model.Permission {
	if force {
		return model.PermSkillsForceState
	}
	return model.PermSkillsPromote
}
