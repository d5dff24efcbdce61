package authz

import (
	"encoding/json"

	"github.com/envkey/envkey-sub005/internal/auth"
	"github.com/envkey/envkey-sub005/internal/crypt"
	"github.com/envkey/envkey-sub005/internal/graph"
)

// SignedEnvelope wraps the serialized action with a detached signature
// from the actor's signing key. The server verifies but cannot forge it.
type SignedEnvelope struct {
	Body      json.RawMessage `json:"body"`
	Signature []byte          `json:"signature"`
}

// VerifyEnvelope checks the envelope signature against the pubkey of the
// actor's device (or the CLI user's own key). Failure means a tampered
// request or a corrupted graph and aborts the whole request.
func VerifyEnvelope(g graph.Graph, actor auth.Actor, env SignedEnvelope) error {
	pub, ok := actorPubkey(g, actor)
	if !ok {
		return crypt.ErrInvalidSignature
	}
	return crypt.VerifyDetached(env.Body, env.Signature, pub)
}

// DecodeAction parses the envelope body after its signature has been
// verified, including the type-tagged graph updates.
func DecodeAction(env SignedEnvelope) (Action, error) {
	var action Action
	if err := json.Unmarshal(env.Body, &action); err != nil {
		return Action{}, ErrMalformedBatch
	}
	for _, raw := range action.GraphUpdatesRaw {
		obj, err := graph.Decode(raw)
		if err != nil {
			return Action{}, ErrMalformedBatch
		}
		action.GraphUpdates = append(action.GraphUpdates, obj)
	}
	return action, nil
}

func actorPubkey(g graph.Graph, actor auth.Actor) (crypt.Pubkey, bool) {
	switch actor.Kind {
	case auth.SessionCli:
		if u, ok := g.ActiveCliUser(actor.UserID); ok && u.Pubkey != nil {
			return *u.Pubkey, true
		}
	case auth.SessionInvite:
		if inv, ok := g.Invite(actor.GrantID); ok && inv.Pubkey != nil {
			return *inv.Pubkey, true
		}
	case auth.SessionDeviceGrant:
		if dg, ok := g.DeviceGrant(actor.GrantID); ok && dg.Pubkey != nil {
			return *dg.Pubkey, true
		}
	case auth.SessionRecoveryKey:
		if rk, ok := g.RecoveryKey(actor.GrantID); ok && rk.Pubkey != nil {
			return *rk.Pubkey, true
		}
	default:
		if d, ok := g.ActiveDevice(actor.DeviceID); ok && d.Pubkey != nil {
			return *d.Pubkey, true
		}
	}
	return crypt.Pubkey{}, false
}
