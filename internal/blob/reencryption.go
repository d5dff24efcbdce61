package blob

import (
	"time"

	"github.com/envkey/envkey-sub005/internal/graph"
	"github.com/envkey/envkey-sub005/internal/rbac"
)

// FlagReencryptionRequired stamps every scope whose ciphertext has gone
// stale after removing or demoting the given users. prev is the graph as
// it stood before the change, so "could previously read" is answered
// against it; next is the post-change graph the stamps apply to.
//
// A scope is stamped only when a remaining party in next can still read
// it: with no remaining reader there is nobody left to rotate for, and
// the ciphertext will be hard-deleted instead. Existing stamps are left
// alone, so re-running with the same removed set is a no-op.
func FlagReencryptionRequired(prev, next graph.Graph, removedUserIDs []string, now time.Time) graph.Graph {
	if len(removedUserIDs) == 0 {
		return next
	}
	ts := now.UTC()
	var updated []graph.Object

	for _, env := range next.Environments() {
		if env.ReencryptionRequiredAt != nil {
			continue
		}
		if !anyCouldRead(prev, env.ID, removedUserIDs) {
			continue
		}
		if !remainingReaderExists(next, env.ID) {
			continue
		}
		env.ReencryptionRequiredAt = &ts
		env.UpdatedAt = ts
		updated = append(updated, env)
	}

	for _, parent := range next.EnvParents() {
		owners := staleLocalsOwners(prev, next, parent.ObjectID(), removedUserIDs)
		if len(owners) == 0 {
			continue
		}
		switch p := parent.(type) {
		case graph.App:
			merged, changed := mergeStamps(p.LocalsReencryptionRequiredAt, owners, ts)
			if changed {
				p.LocalsReencryptionRequiredAt = merged
				p.UpdatedAt = ts
				updated = append(updated, p)
			}
		case graph.Block:
			merged, changed := mergeStamps(p.LocalsReencryptionRequiredAt, owners, ts)
			if changed {
				p.LocalsReencryptionRequiredAt = merged
				p.UpdatedAt = ts
				updated = append(updated, p)
			}
		}
	}

	if len(updated) == 0 {
		return next
	}
	return next.With(updated...)
}

// anyCouldRead reports whether any of the users held read on the
// environment in the given graph.
func anyCouldRead(g graph.Graph, environmentID string, userIDs []string) bool {
	for _, id := range userIDs {
		if rbac.EnvironmentPermissions(g, environmentID, id, nil).Has(graph.EnvRead) {
			return true
		}
	}
	return false
}

// remainingReaderExists reports whether some live user in g can still read
// the environment.
func remainingReaderExists(g graph.Graph, environmentID string) bool {
	for _, u := range g.Users() {
		if rbac.EnvironmentPermissions(g, environmentID, u.ObjectID(), nil).Has(graph.EnvRead) {
			return true
		}
	}
	return false
}

// staleLocalsOwners finds the locals owners on one env parent whose scopes
// a removed user could previously read and a remaining user still can.
// Owners already stamped are skipped by mergeStamps.
func staleLocalsOwners(prev, next graph.Graph, envParentID string, removedUserIDs []string) map[string]bool {
	owners := map[string]bool{}
	for _, owner := range prev.Users() {
		ownerID := owner.ObjectID()
		readable := false
		for _, rid := range removedUserIDs {
			if rbac.CanReadLocals(prev, envParentID, ownerID, rid, nil) && localsScopeVisible(prev, envParentID, rid) {
				readable = true
				break
			}
		}
		if !readable {
			continue
		}
		for _, remaining := range next.Users() {
			remainingID := remaining.ObjectID()
			if rbac.CanReadLocals(next, envParentID, ownerID, remainingID, nil) && localsScopeVisible(next, envParentID, remainingID) {
				owners[ownerID] = true
				break
			}
		}
	}
	return owners
}

// localsScopeVisible requires the user to hold read on at least one of the
// parent's environments; locals ride along with env access, so a user with
// no env access never saw the locals ciphertext either.
func localsScopeVisible(g graph.Graph, envParentID, userID string) bool {
	for _, env := range g.EnvironmentsForParent(envParentID) {
		if rbac.EnvironmentPermissions(g, env.ID, userID, nil).Has(graph.EnvRead) {
			return true
		}
	}
	return false
}

// mergeStamps adds a timestamp for each newly stale owner without touching
// owners stamped earlier. changed=false means every owner was already
// stamped and the parent object should not be rewritten.
func mergeStamps(existing map[string]time.Time, owners map[string]bool, ts time.Time) (map[string]time.Time, bool) {
	changed := false
	out := make(map[string]time.Time, len(existing)+len(owners))
	for k, v := range existing {
		out[k] = v
	}
	for owner := range owners {
		if _, ok := out[owner]; ok {
			continue
		}
		out[owner] = ts
		changed = true
	}
	return out, changed
}
