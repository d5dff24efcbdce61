package rbac

import "github.com/envkey/envkey-sub005/internal/graph"

// Locals are per-user private overrides of an env parent's values. A user
// always reads and writes their own; touching another user's locals runs
// through the app permissions below, or the org-wide block overrides when
// the env parent is a block.

// CanReadLocals reports whether userID may read localsUserID's locals on
// the given env parent.
func CanReadLocals(g graph.Graph, envParentID, localsUserID, userID string, params *AccessParams) bool {
	if userID == localsUserID {
		return true
	}
	_, parentType, ok := g.EnvParent(envParentID)
	if !ok {
		return false
	}
	if parentType == graph.TypeBlock {
		return OrgPermissionsForUser(g, userID, params).Has(graph.BlocksReadAll)
	}
	return AppPermissionsForUser(g, envParentID, userID, params).Has(graph.AppReadUserLocals)
}

// CanWriteLocals reports whether userID may write localsUserID's locals on
// the given env parent.
func CanWriteLocals(g graph.Graph, envParentID, localsUserID, userID string, params *AccessParams) bool {
	if userID == localsUserID {
		return true
	}
	_, parentType, ok := g.EnvParent(envParentID)
	if !ok {
		return false
	}
	if parentType == graph.TypeBlock {
		return OrgPermissionsForUser(g, userID, params).Has(graph.BlocksWriteEnvsAll)
	}
	return AppPermissionsForUser(g, envParentID, userID, params).Has(graph.AppWriteUserLocals)
}

// CanReadLocalsHistory reports whether userID may read the changeset
// history of localsUserID's locals. History needs its own permission on
// top of plain read access, for the user's own locals included.
func CanReadLocalsHistory(g graph.Graph, envParentID, localsUserID, userID string, params *AccessParams) bool {
	if !CanReadLocals(g, envParentID, localsUserID, userID, params) {
		return false
	}
	_, parentType, ok := g.EnvParent(envParentID)
	if !ok {
		return false
	}
	if parentType == graph.TypeBlock {
		return OrgPermissionsForUser(g, userID, params).Has(graph.BlocksReadAll)
	}
	return AppPermissionsForUser(g, envParentID, userID, params).Has(graph.AppReadUserLocalsHistory)
}
