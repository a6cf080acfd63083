package model

// Permission names a governance capability checked at the transport boundary.
type Permission string

const (
	PermTracesWrite       Permission = "traces.write"
	PermTracesRead        Permission = "traces.read"
	PermTracesReadRaw     Permission = "traces.read_raw"
	PermTracesAnnotate    Permission = "traces.annotate"
	PermSkillsRead        Permission = "skills.read"
	PermSkillsPublish     Permission = "skills.publish"
	PermSkillsPromote     Permission = "skills.promote"
	PermSkillsForceState  Permission = "skills.force_state"
	PermBudgetRead        Permission = "budget.read"
	PermBudgetManage      Permission = "budget.manage"
	PermBudgetSpend       Permission = "budget.spend"
	PermRetentionManage   Permission = "retention.manage"
	PermWorkspaceRead     Permission = "workspace.read"
	PermWorkspaceWrite    Permission = "workspace.write"
	PermWorkspacePromote  Permission = "workspace.promote"
	PermWorkspaceRollback Permission = "workspace.rollback"
	PermAuditRead         Permission = "audit.read"
	PermOverride          Permission = "override.use"
	PermPrincipalsManage  Permission = "principals.manage"
)

// permissionFloor is the least-privileged role holding each permission.
// Roles rank admin > operator > agent > reader.
var permissionFloor = map[Permission]Role{
	PermTracesWrite:       RoleAgent,
	PermTracesRead:        RoleReader,
	PermTracesReadRaw:     RoleOperator,
	PermTracesAnnotate:    RoleAgent,
	PermSkillsRead:        RoleReader,
	PermSkillsPublish:     RoleAgent,
	PermSkillsPromote:     RoleOperator,
	PermSkillsForceState:  RoleAdmin,
	PermBudgetRead:        RoleReader,
	PermBudgetManage:      RoleAdmin,
	PermBudgetSpend:       RoleAgent,
	PermRetentionManage:   RoleAdmin,
	PermWorkspaceRead:     RoleReader,
	PermWorkspaceWrite:    RoleAgent,
	PermWorkspacePromote:  RoleOperator,
	PermWorkspaceRollback: RoleOperator,
	PermAuditRead:         RoleOperator,
	PermOverride:          RoleOperator,
	PermPrincipalsManage:  RoleAdmin,
}

var allRoles = []Role{RoleAdmin, RoleOperator, RoleAgent, RoleReader}

// RolesWith lists the roles holding p, most privileged first. Unknown
// permissions are held by no role.
func RolesWith(p Permission) []Role {
	floor, ok := permissionFloor[p]
	if !ok {
		return nil
	}
	var out []Role
	for _, r := range allRoles {
		if RoleAtLeast(r, floor) {
			out = append(out, r)
		}
	}
	return out
}

// HasPermission reports whether role r holds p.
func HasPermission(r Role, p Permission) bool {
	floor, ok := permissionFloor[p]
	return ok && r.Valid() && RoleAtLeast(r, floor)
}
