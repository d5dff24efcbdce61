// Package rbac computes permission sets from an org graph snapshot. All
// functions are pure: no I/O, no mutation, and a missing or deleted object
// resolves to an empty set rather than an error. Callers interpret an empty
// set as "not found".
package rbac

import (
	"github.com/envkey/envkey-sub005/internal/graph"
)

// AccessParams evaluates the permissions a hypothetical grant would confer,
// before the grant object exists in the graph. Used when authorizing
// invites and CLI-user creation.
type AccessParams struct {
	OrgRoleID string
	// AppRoleIDByAppID overrides the effective app role per app. Apps not
	// present fall back to the org role's auto app role.
	AppRoleIDByAppID map[string]string
}

// OrgPermissions resolves the org-wide permission set granted by a role,
// combining its own permissions with any base role it extends.
func OrgPermissions(g graph.Graph, orgRoleID string) Set[graph.OrgPermission] {
	return resolveOrgRole(g, orgRoleID, map[string]bool{})
}

func resolveOrgRole(g graph.Graph, roleID string, visited map[string]bool) Set[graph.OrgPermission] {
	if visited[roleID] {
		return NewSet[graph.OrgPermission]()
	}
	visited[roleID] = true
	role, ok := g.OrgRole(roleID)
	if !ok {
		return NewSet[graph.OrgPermission]()
	}
	perms := NewSet[graph.OrgPermission]()
	if role.ExtendsRoleID != "" {
		perms = resolveOrgRole(g, role.ExtendsRoleID, visited)
	}
	perms.add(role.Permissions...)
	perms.add(role.AddPermissions...)
	perms.remove(role.RemovePermissions...)
	return perms
}

// AppPermissions resolves the app-scoped permission set granted by an app
// role.
func AppPermissions(g graph.Graph, appRoleID string) Set[graph.AppPermission] {
	return resolveAppRole(g, appRoleID, map[string]bool{})
}

func resolveAppRole(g graph.Graph, roleID string, visited map[string]bool) Set[graph.AppPermission] {
	if visited[roleID] {
		return NewSet[graph.AppPermission]()
	}
	visited[roleID] = true
	role, ok := g.AppRole(roleID)
	if !ok {
		return NewSet[graph.AppPermission]()
	}
	perms := NewSet[graph.AppPermission]()
	if role.ExtendsRoleID != "" {
		perms = resolveAppRole(g, role.ExtendsRoleID, visited)
	}
	perms.add(role.Permissions...)
	perms.add(role.AddPermissions...)
	perms.remove(role.RemovePermissions...)
	return perms
}

// OrgPermissionsForUser resolves the org permission set of a live user
// (org or CLI), or the hypothetical set when params overrides the role.
func OrgPermissionsForUser(g graph.Graph, userID string, params *AccessParams) Set[graph.OrgPermission] {
	roleID, ok := userOrgRoleID(g, userID, params)
	if !ok {
		return NewSet[graph.OrgPermission]()
	}
	return OrgPermissions(g, roleID)
}

// AppRoleForUser resolves the user's effective app role on one app: an
// explicit AppUserGrant wins, otherwise the org role's auto app role.
func AppRoleForUser(g graph.Graph, appID, userID string, params *AccessParams) (string, bool) {
	if params != nil {
		if id, ok := params.AppRoleIDByAppID[appID]; ok {
			return id, id != ""
		}
	} else if grant, ok := g.AppUserGrantFor(appID, userID); ok {
		return grant.AppRoleID, grant.AppRoleID != ""
	}
	roleID, ok := userOrgRoleID(g, userID, params)
	if !ok {
		return "", false
	}
	role, ok := g.OrgRole(roleID)
	if !ok || role.AutoAppRoleID == "" {
		return "", false
	}
	return role.AutoAppRoleID, true
}

// AppPermissionsForUser resolves the app permission set the user holds on
// one app via their effective app role.
func AppPermissionsForUser(g graph.Graph, appID, userID string, params *AccessParams) Set[graph.AppPermission] {
	appRoleID, ok := AppRoleForUser(g, appID, userID, params)
	if !ok {
		return NewSet[graph.AppPermission]()
	}
	return AppPermissions(g, appRoleID)
}

// EnvironmentPermissions resolves the environment permission set a user
// holds on one environment. App environments intersect the user's app role
// with the environment's role through the join table; block environments
// derive from the org-wide block permissions; branch environments translate
// the base environment's branch permissions.
func EnvironmentPermissions(g graph.Graph, environmentID, userID string, params *AccessParams) Set[graph.EnvPermission] {
	env, ok := g.Environment(environmentID)
	if !ok {
		return NewSet[graph.EnvPermission]()
	}
	base, ok := g.BaseEnvironment(environmentID)
	if !ok {
		return NewSet[graph.EnvPermission]()
	}

	var perms Set[graph.EnvPermission]
	switch _, parentType, okParent := g.EnvParent(env.EnvParentID); {
	case !okParent:
		return NewSet[graph.EnvPermission]()
	case parentType == graph.TypeBlock:
		perms = blockEnvPermissions(g, userID, params)
	default:
		appRoleID, okRole := AppRoleForUser(g, env.EnvParentID, userID, params)
		if !okRole {
			return NewSet[graph.EnvPermission]()
		}
		join, okJoin := g.JoinPermissions(appRoleID, base.EnvironmentRoleID)
		if !okJoin {
			return NewSet[graph.EnvPermission]()
		}
		perms = NewSet(join...)
	}

	if env.IsSub {
		return branchPermissions(perms)
	}
	return perms
}

// blockEnvPermissions maps the org-wide block overrides onto environment
// permissions for a block's environments.
func blockEnvPermissions(g graph.Graph, userID string, params *AccessParams) Set[graph.EnvPermission] {
	orgPerms := OrgPermissionsForUser(g, userID, params)
	perms := NewSet[graph.EnvPermission]()
	if orgPerms.Has(graph.BlocksReadAll) {
		perms.add(
			graph.EnvRead,
			graph.EnvReadMeta,
			graph.EnvReadInherits,
			graph.EnvReadHistory,
			graph.EnvReadBranches,
			graph.EnvReadBranchesMeta,
		)
	}
	if orgPerms.Has(graph.BlocksWriteEnvsAll) {
		perms.add(graph.EnvWrite, graph.EnvWriteBranches)
	}
	return perms
}

// branchPermissions translates a base environment's permission set into the
// set held on its branches. Branch access is granted by the *_branches
// permissions on the base, never by the base read/write directly.
func branchPermissions(base Set[graph.EnvPermission]) Set[graph.EnvPermission] {
	perms := NewSet[graph.EnvPermission]()
	if base.Has(graph.EnvReadBranches) {
		perms.add(graph.EnvRead, graph.EnvReadInherits)
		if base.Has(graph.EnvReadHistory) {
			perms.add(graph.EnvReadHistory)
		}
	}
	if base.Has(graph.EnvReadBranchesMeta) {
		perms.add(graph.EnvReadMeta)
	}
	if base.Has(graph.EnvWriteBranches) {
		perms.add(graph.EnvWrite)
	}
	return perms
}

// userOrgRoleID resolves the org role of a live org or CLI user, honoring
// an AccessParams override. A deactivated or deleted user has no role.
func userOrgRoleID(g graph.Graph, userID string, params *AccessParams) (string, bool) {
	if params != nil && params.OrgRoleID != "" {
		return params.OrgRoleID, true
	}
	if u, ok := g.ActiveOrgUser(userID); ok {
		return u.OrgRoleID, true
	}
	if u, ok := g.ActiveCliUser(userID); ok {
		return u.OrgRoleID, true
	}
	return "", false
}
