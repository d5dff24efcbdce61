// Package authz validates batched graph actions: a single client-submitted
// mutation bundling a non-ciphertext graph change with per-user, per-device,
// per-envkey, and shared-blob ciphertext updates. The whole batch is
// authorized together against the post-mutation graph, or rejected whole.
package authz

import (
	"encoding/json"

	"github.com/envkey/envkey-sub005/internal/crypt"
	"github.com/envkey/envkey-sub005/internal/graph"
)

// ActionType discriminates graph actions.
type ActionType string

const (
	ActionUpdateEnvs       ActionType = "envs/update"
	ActionCreateInvite     ActionType = "invite/create"
	ActionAcceptInvite     ActionType = "invite/accept"
	ActionCreateDeviceGrant ActionType = "device_grant/create"
	ActionAcceptDeviceGrant ActionType = "device_grant/accept"
	ActionCreateRecoveryKey ActionType = "recovery_key/create"
	ActionRedeemRecoveryKey ActionType = "recovery_key/redeem"
	ActionCreateCliUser    ActionType = "cli_user/create"
	ActionConnectBlock     ActionType = "block/connect"
	ActionGenerateKey      ActionType = "envkey/generate"
	ActionRevokeTrusted    ActionType = "pubkey/revoke"
	ActionReplaceRoot      ActionType = "root_pubkey/replace"
	ActionRemoveUser       ActionType = "user/remove"
	ActionUpdateUserRole   ActionType = "user/update_role"
)

// TrustEstablishing reports whether the action may seed a new device's
// keys without a prior write grant: the actor is vouching for the new
// device, not rewriting existing secrets. This is a deliberate, exact
// allowlist; do not infer membership from other properties.
func (t ActionType) TrustEstablishing() bool {
	switch t {
	case ActionAcceptInvite, ActionAcceptDeviceGrant, ActionRedeemRecoveryKey,
		ActionCreateRecoveryKey, ActionCreateInvite, ActionCreateDeviceGrant,
		ActionCreateCliUser:
		return true
	}
	return false
}

// readSufficesForOverrides reports whether the action only needs to see
// inherited values rather than rewrite them.
func (t ActionType) readSufficesForOverrides() bool {
	return t == ActionConnectBlock || t == ActionGenerateKey
}

// EnvUpdate carries the encrypted symmetric keys being written for one
// recipient on one environment, split by part. Nil fields are untouched.
type EnvUpdate struct {
	Env        *crypt.Sealed            `json:"env,omitempty"`
	Meta       *crypt.Sealed            `json:"meta,omitempty"`
	Inherits   *crypt.Sealed            `json:"inherits,omitempty"`
	Changesets *crypt.Sealed            `json:"changesets,omitempty"`
	// InheritanceOverrides maps each overridden environment id to the
	// wrapped key for its override values.
	InheritanceOverrides map[string]crypt.Sealed `json:"inheritanceOverrides,omitempty"`
}

func (u EnvUpdate) empty() bool {
	return u.Env == nil && u.Meta == nil && u.Inherits == nil &&
		u.Changesets == nil && len(u.InheritanceOverrides) == 0
}

// LocalsUpdate carries the wrapped key for one user's locals on one env
// parent, optionally with changeset history access.
type LocalsUpdate struct {
	Env        *crypt.Sealed `json:"env,omitempty"`
	Changesets *crypt.Sealed `json:"changesets,omitempty"`
}

// DeviceUpdate is everything being written for one recipient device.
type DeviceUpdate struct {
	// Environments maps environment id to the keys for that scope.
	Environments map[string]EnvUpdate `json:"environments,omitempty"`
	// Locals maps env parent id, then locals owner id, to wrapped keys.
	Locals map[string]map[string]LocalsUpdate `json:"locals,omitempty"`
}

// EnvkeyUpdate is everything being written for one generated envkey.
type EnvkeyUpdate struct {
	Env                  *crypt.Sealed            `json:"env,omitempty"`
	SubEnv               *crypt.Sealed            `json:"subEnv,omitempty"`
	InheritanceOverrides map[string]crypt.Sealed  `json:"inheritanceOverrides,omitempty"`
	// Locals maps locals owner id to the wrapped key for that user's
	// local overrides.
	Locals map[string]crypt.Sealed `json:"locals,omitempty"`
}

// NewDeviceUpdate seeds keys for a device being introduced by a
// trust-establishing action.
type NewDeviceUpdate struct {
	UserID string `json:"userId"`
	// DeviceID is the id assigned to the device object the action's graph
	// mutation introduces; for CLI users it equals UserID.
	DeviceID string       `json:"deviceId"`
	Update   DeviceUpdate `json:"update"`
}

// BlobSet is one environment's shared ciphertext payload. A set must be
// structurally complete: env+meta+inherits together with exactly one
// changeset form, or a bare inheritanceOverrides entry.
type BlobSet struct {
	Env                  *crypt.Sealed            `json:"env,omitempty"`
	Meta                 *crypt.Sealed            `json:"meta,omitempty"`
	Inherits             *crypt.Sealed            `json:"inherits,omitempty"`
	Changesets           []crypt.Sealed           `json:"changesets,omitempty"`
	ChangesetsByID       map[string]crypt.Sealed  `json:"changesetsById,omitempty"`
	InheritanceOverrides map[string]crypt.Sealed  `json:"inheritanceOverrides,omitempty"`
}

// EnvsPayload bundles the four independent ciphertext surfaces one action
// may touch.
type EnvsPayload struct {
	// Users: userID -> deviceID -> recipient updates.
	Users map[string]map[string]DeviceUpdate `json:"users,omitempty"`
	// KeyableParents: generated envkey id -> update for the key's own app.
	KeyableParents map[string]EnvkeyUpdate `json:"keyableParents,omitempty"`
	// BlockKeyableParents: generated envkey id -> block id -> update for
	// that connected block's scope.
	BlockKeyableParents map[string]map[string]EnvkeyUpdate `json:"blockKeyableParents,omitempty"`
	NewDevice           *NewDeviceUpdate                   `json:"newDevice,omitempty"`
	// Blobs: environment id -> shared ciphertext set.
	Blobs map[string]BlobSet `json:"blobs,omitempty"`
}

// Action is one atomic graph action: the graph mutation plus the ciphertext
// payload that depends on it.
type Action struct {
	Type    ActionType  `json:"type"`
	OrgID   string      `json:"orgId"`
	Payload EnvsPayload `json:"payload"`
	// GraphUpdatesRaw is the wire form of the accompanying non-ciphertext
	// mutation: one type-tagged envelope per object to put.
	GraphUpdatesRaw []json.RawMessage `json:"graphUpdates,omitempty"`
	// GraphUpdates is GraphUpdatesRaw decoded. Authorization runs against
	// the graph as it will exist after these are applied.
	GraphUpdates []graph.Object `json:"-"`
	// RemovedUserIDs names users removed or demoted by this action, for
	// reencryption flagging.
	RemovedUserIDs []string `json:"removedUserIds,omitempty"`
	// SoftDeletedIDs names graph objects this action soft-deletes.
	SoftDeletedIDs []string `json:"softDeletedIds,omitempty"`
}
