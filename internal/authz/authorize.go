package authz

import (
	"errors"

	"github.com/envkey/envkey-sub005/internal/graph"
	"github.com/envkey/envkey-sub005/internal/rbac"
)

// ErrMalformedBatch marks a structurally incomplete blob or key set. It is
// surfaced by Validate before authorization; AuthorizeEnvsUpdate also
// treats malformed payloads as unauthorized.
var ErrMalformedBatch = errors.New("authz: malformed batch")

// AuthorizeEnvsUpdate decides the whole batch. It short-circuits to false
// on the first violation and never partially authorizes: either every
// scoped write in the payload is within both the actor's and the target's
// permissions, or nothing is committed.
//
// g must be the graph as it will exist after the action's non-ciphertext
// mutation is applied; permission changes and the ciphertext depending on
// them are authorized together.
func AuthorizeEnvsUpdate(g graph.Graph, memo *rbac.Memo, actorUserID string, action Action) bool {
	if err := action.Payload.Validate(); err != nil {
		return false
	}
	p := action.Payload

	for targetUserID, devices := range p.Users {
		for deviceID, upd := range devices {
			if !deviceBelongsTo(g, deviceID, targetUserID) {
				return false
			}
			if !authorizeDeviceUpdate(g, memo, action.Type, actorUserID, targetUserID, upd) {
				return false
			}
		}
	}

	if nd := p.NewDevice; nd != nil {
		if !action.Type.TrustEstablishing() {
			return false
		}
		if !authorizeDeviceUpdate(g, memo, action.Type, actorUserID, nd.UserID, nd.Update) {
			return false
		}
	}

	for envkeyID, upd := range p.KeyableParents {
		if !authorizeEnvkeyUpdate(g, memo, actorUserID, envkeyID, "", upd) {
			return false
		}
	}
	for envkeyID, byBlock := range p.BlockKeyableParents {
		for blockID, upd := range byBlock {
			if !authorizeEnvkeyUpdate(g, memo, actorUserID, envkeyID, blockID, upd) {
				return false
			}
		}
	}

	for envID := range p.Blobs {
		if !memo.EnvironmentPermissions(g, envID, actorUserID, nil).Has(graph.EnvWrite) {
			return false
		}
	}

	return true
}

// authorizeDeviceUpdate checks every environment and locals key written for
// one recipient device.
func authorizeDeviceUpdate(g graph.Graph, memo *rbac.Memo, actionType ActionType, actorUserID, targetUserID string, upd DeviceUpdate) bool {
	for envID, envUpd := range upd.Environments {
		if envUpd.empty() {
			return false
		}
		if !authorizeEnvUpdate(g, memo, actionType, actorUserID, targetUserID, envID, envUpd) {
			return false
		}
	}
	for envParentID, byOwner := range upd.Locals {
		for localsUserID, localsUpd := range byOwner {
			if !authorizeLocalsUpdate(g, actionType, actorUserID, targetUserID, envParentID, localsUserID, localsUpd) {
				return false
			}
		}
	}
	return true
}

// authorizeEnvUpdate applies the read/write symmetry for one environment:
// the actor needs write to hand out keys (unless the action is
// trust-establishing), and the target must hold the read permission
// matching every part they receive a key for.
func authorizeEnvUpdate(g graph.Graph, memo *rbac.Memo, actionType ActionType, actorUserID, targetUserID, envID string, upd EnvUpdate) bool {
	actorPerms := memo.EnvironmentPermissions(g, envID, actorUserID, nil)
	targetPerms := memo.EnvironmentPermissions(g, envID, targetUserID, nil)

	writesCore := upd.Env != nil || upd.Meta != nil || upd.Inherits != nil
	if writesCore && !actionType.TrustEstablishing() && !actorPerms.Has(graph.EnvWrite) {
		return false
	}
	if upd.Env != nil && !(actorPerms.Has(graph.EnvRead) && targetPerms.Has(graph.EnvRead)) {
		return false
	}
	if upd.Meta != nil && !(actorPerms.Has(graph.EnvReadMeta) && targetPerms.Has(graph.EnvReadMeta)) {
		return false
	}
	if upd.Inherits != nil && !(actorPerms.Has(graph.EnvReadInherits) && targetPerms.Has(graph.EnvReadInherits)) {
		return false
	}
	if upd.Changesets != nil && !(actorPerms.Has(graph.EnvReadHistory) && targetPerms.Has(graph.EnvReadHistory)) {
		return false
	}

	for overriddenEnvID := range upd.InheritanceOverrides {
		oActor := memo.EnvironmentPermissions(g, overriddenEnvID, actorUserID, nil)
		oTarget := memo.EnvironmentPermissions(g, overriddenEnvID, targetUserID, nil)
		if !(oActor.Has(graph.EnvRead) && oTarget.Has(graph.EnvRead)) {
			return false
		}
		if actionType.TrustEstablishing() || actionType.readSufficesForOverrides() {
			continue
		}
		if !oActor.Has(graph.EnvWrite) {
			return false
		}
	}
	return true
}

// authorizeLocalsUpdate checks one locals key written for one recipient.
// The actor must be able to write the owner's locals; the target must be
// able to read them, with history gated separately.
func authorizeLocalsUpdate(g graph.Graph, actionType ActionType, actorUserID, targetUserID, envParentID, localsUserID string, upd LocalsUpdate) bool {
	if upd.Env == nil && upd.Changesets == nil {
		return false
	}
	if !actionType.TrustEstablishing() && !rbac.CanWriteLocals(g, envParentID, localsUserID, actorUserID, nil) {
		return false
	}
	if !rbac.CanReadLocals(g, envParentID, localsUserID, targetUserID, nil) {
		return false
	}
	if upd.Changesets != nil && !rbac.CanReadLocalsHistory(g, envParentID, localsUserID, targetUserID, nil) {
		return false
	}
	return true
}

// authorizeEnvkeyUpdate checks keys wrapped for a generated envkey. When
// blockID is set, the scope is the connected block's environment matching
// the envkey's environment role.
func authorizeEnvkeyUpdate(g graph.Graph, memo *rbac.Memo, actorUserID, envkeyID, blockID string, upd EnvkeyUpdate) bool {
	envkey, ok := g.GeneratedEnvkey(envkeyID)
	if !ok {
		return false
	}
	envID := envkey.EnvironmentID
	if blockID != "" {
		blockEnvID, okBlock := blockEnvironmentFor(g, blockID, envkey.EnvironmentID)
		if !okBlock {
			return false
		}
		envID = blockEnvID
	}
	perms := memo.EnvironmentPermissions(g, envID, actorUserID, nil)

	if upd.Env != nil && !perms.Has(graph.EnvWrite) {
		return false
	}
	if upd.SubEnv != nil && !perms.Has(graph.EnvWriteBranches) {
		return false
	}
	for overriddenEnvID := range upd.InheritanceOverrides {
		if !memo.EnvironmentPermissions(g, overriddenEnvID, actorUserID, nil).Has(graph.EnvRead) {
			return false
		}
	}

	if len(upd.Locals) == 0 {
		return true
	}
	envParentID := envkey.AppID
	if blockID != "" {
		envParentID = blockID
	}
	for localsUserID := range upd.Locals {
		if keyableParentOwnedBy(g, envkey, localsUserID, actorUserID) {
			continue
		}
		if !rbac.CanWriteLocals(g, envParentID, localsUserID, actorUserID, nil) {
			return false
		}
	}
	return true
}

// keyableParentOwnedBy reports whether the envkey's keyable parent is the
// acting user's own local key for the locals owner in question.
func keyableParentOwnedBy(g graph.Graph, envkey graph.GeneratedEnvkey, localsUserID, actorUserID string) bool {
	if envkey.KeyableParentType != graph.TypeLocalKey {
		return false
	}
	lk, ok := g.LocalKey(envkey.KeyableParentID)
	if !ok {
		return false
	}
	return lk.UserID == actorUserID && localsUserID == actorUserID
}

// blockEnvironmentFor resolves the block environment sharing the app
// environment's role, following a block connection.
func blockEnvironmentFor(g graph.Graph, blockID, appEnvironmentID string) (string, bool) {
	base, ok := g.BaseEnvironment(appEnvironmentID)
	if !ok {
		return "", false
	}
	for _, env := range g.EnvironmentsForParent(blockID) {
		if !env.IsSub && env.EnvironmentRoleID == base.EnvironmentRoleID {
			return env.ID, true
		}
	}
	return "", false
}

// deviceBelongsTo accepts a live device of the user, or the user id itself
// for CLI users, whose "device" is the user record.
func deviceBelongsTo(g graph.Graph, deviceID, userID string) bool {
	if d, ok := g.ActiveDevice(deviceID); ok {
		return d.UserID == userID
	}
	if _, ok := g.ActiveCliUser(deviceID); ok {
		return deviceID == userID
	}
	return false
}

// Validate checks the payload's structure without consulting permissions.
// A partial blob set is malformed rather than silently accepted.
func (p EnvsPayload) Validate() error {
	for envID, set := range p.Blobs {
		if envID == "" {
			return ErrMalformedBatch
		}
		if err := set.validate(); err != nil {
			return err
		}
	}
	for userID, devices := range p.Users {
		if userID == "" || len(devices) == 0 {
			return ErrMalformedBatch
		}
		for deviceID, upd := range devices {
			if deviceID == "" || (len(upd.Environments) == 0 && len(upd.Locals) == 0) {
				return ErrMalformedBatch
			}
		}
	}
	if nd := p.NewDevice; nd != nil {
		if nd.UserID == "" || (len(nd.Update.Environments) == 0 && len(nd.Update.Locals) == 0) {
			return ErrMalformedBatch
		}
	}
	return nil
}

// validate enforces structural completeness of one blob set: the three
// core parts travel together with exactly one changeset form, or the set
// is a bare inheritance-overrides write.
func (b BlobSet) validate() error {
	hasCore := b.Env != nil && b.Meta != nil && b.Inherits != nil
	partialCore := !hasCore && (b.Env != nil || b.Meta != nil || b.Inherits != nil)
	hasChangesets := len(b.Changesets) > 0
	hasChangesetsByID := len(b.ChangesetsByID) > 0
	hasOverrides := len(b.InheritanceOverrides) > 0

	if partialCore {
		return ErrMalformedBatch
	}
	if hasCore {
		if hasChangesets == hasChangesetsByID {
			return ErrMalformedBatch
		}
		return nil
	}
	if hasChangesets || hasChangesetsByID {
		return ErrMalformedBatch
	}
	if !hasOverrides {
		return ErrMalformedBatch
	}
	return nil
}
