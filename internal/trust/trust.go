// Package trust resolves the chain of signatures linking a device, CLI
// user, or generated envkey back to an org's trusted root keys. The result
// is verifiable by any holder of the root keys without trusting the server.
package trust

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/envkey/envkey-sub005/internal/crypt"
	"github.com/envkey/envkey-sub005/internal/graph"
)

var (
	// ErrChainBroken means a hop had no pubkey to continue from, or the
	// chain reached the org creator device without it being rooted. A
	// creator device anchors trust; nothing can vouch for it.
	ErrChainBroken = errors.New("trust: chain broken")

	// ErrCircularChain means a pubkey digest was revisited before reaching
	// the root. This is a guard against malformed graphs, not a normal
	// outcome.
	ErrCircularChain = errors.New("trust: circular chain")
)

// State is everything chain resolution reads: the graph, the set of
// pubkey digests already verified earlier in the session, and the trusted
// root digests. A chain terminates successfully at either digest set.
type State struct {
	Graph          graph.Graph
	SessionTrusted map[crypt.Digest]struct{}
	TrustedRoot    map[crypt.Digest]struct{}
}

// LinkKind tags how a chain link was vouched for.
type LinkKind string

const (
	LinkCliUser     LinkKind = "cliUser"
	LinkInvite      LinkKind = "invite"
	LinkDeviceGrant LinkKind = "deviceGrant"
	LinkRecoveryKey LinkKind = "recoveryKey"
	LinkEnvkey      LinkKind = "generatedEnvkey"
)

// Link is one hop: the pubkey that was signed, any intermediate artifact
// pubkey that carried the signature, and the digest of the signer's pubkey.
type Link struct {
	Kind          LinkKind
	SignedPubkey  crypt.Pubkey
	Intermediates []crypt.Pubkey
	SignerDigest  crypt.Digest
}

// UserTrustChain maps the digest of each signed pubkey to its link. The
// links form a directed acyclic path ending at a trusted-root digest.
type UserTrustChain map[crypt.Digest]Link

// Chain walks from the subject's own pubkey to the trusted root,
// hopping signer to signer and accumulating one link per hop.
func Chain(state State, userOrDeviceID string) (UserTrustChain, error) {
	chain := UserTrustChain{}
	visited := map[crypt.Digest]struct{}{}
	currentID := userOrDeviceID

	for {
		pub, ok := subjectPubkey(state.Graph, currentID)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no public key", ErrChainBroken, currentID)
		}
		digest := crypt.Fingerprint(pub)
		if _, rooted := state.TrustedRoot[digest]; rooted {
			return chain, nil
		}
		// A pubkey already verified earlier in this session vouches for
		// everything beneath it; no need to rewalk its own chain.
		if _, trusted := state.SessionTrusted[digest]; trusted {
			return chain, nil
		}
		if _, seen := visited[digest]; seen {
			return nil, fmt.Errorf("%w: digest %s revisited", ErrCircularChain, digest)
		}
		visited[digest] = struct{}{}

		link, signerID, err := hop(state.Graph, currentID, pub)
		if err != nil {
			return nil, err
		}
		chain[digest] = link
		currentID = signerID
	}
}

// Verify checks every signature in a resolved chain: each signed pubkey
// must carry a valid detached signature from its signer, hopping through
// any intermediate artifact keys. sigs maps signed-pubkey digests to the
// detached signatures recorded when the keys were introduced.
func Verify(chain UserTrustChain, pubkeyByDigest map[crypt.Digest]crypt.Pubkey, sigs map[crypt.Digest][]byte) error {
	for digest, link := range chain {
		signer, ok := pubkeyByDigest[link.SignerDigest]
		if !ok {
			return fmt.Errorf("%w: signer %s unknown", ErrChainBroken, link.SignerDigest)
		}
		sig, ok := sigs[digest]
		if !ok {
			return fmt.Errorf("%w: no signature for %s", ErrChainBroken, digest)
		}
		msg, err := canonicalPubkey(link.SignedPubkey)
		if err != nil {
			return err
		}
		if err := crypt.VerifyDetached(msg, sig, signer); err != nil {
			return err
		}
	}
	return nil
}

// canonicalPubkey is the byte form a pubkey is signed over when it is
// introduced: the JSON encoding with base64 key halves.
func canonicalPubkey(pub crypt.Pubkey) ([]byte, error) {
	return json.Marshal(pub)
}

// subjectPubkey resolves the current pubkey of a device, CLI user, or
// generated envkey. Deactivated and deleted subjects have none.
func subjectPubkey(g graph.Graph, id string) (crypt.Pubkey, bool) {
	if d, ok := g.ActiveDevice(id); ok && d.Pubkey != nil {
		return *d.Pubkey, true
	}
	if u, ok := g.ActiveCliUser(id); ok && u.Pubkey != nil {
		return *u.Pubkey, true
	}
	if k, ok := g.GeneratedEnvkey(id); ok && k.Pubkey != nil {
		return *k.Pubkey, true
	}
	return crypt.Pubkey{}, false
}

// hop finds who signed the subject's pubkey and returns the resulting link
// plus the signer's id to continue from.
func hop(g graph.Graph, subjectID string, pub crypt.Pubkey) (Link, string, error) {
	if u, ok := g.ActiveCliUser(subjectID); ok {
		if u.SignedByID == "" {
			return Link{}, "", fmt.Errorf("%w: cli user %s has no signer", ErrChainBroken, subjectID)
		}
		return Link{Kind: LinkCliUser, SignedPubkey: pub, SignerDigest: signerDigest(g, u.SignedByID)}, u.SignedByID, nil
	}

	if k, ok := g.GeneratedEnvkey(subjectID); ok {
		if k.SignedByID == "" {
			return Link{}, "", fmt.Errorf("%w: envkey %s has no signer", ErrChainBroken, subjectID)
		}
		return Link{Kind: LinkEnvkey, SignedPubkey: pub, SignerDigest: signerDigest(g, k.SignedByID)}, k.SignedByID, nil
	}

	device, ok := g.ActiveDevice(subjectID)
	if !ok {
		return Link{}, "", fmt.Errorf("%w: %s is not a chain subject", ErrChainBroken, subjectID)
	}
	if device.IsRoot {
		// Reached here only because the digest wasn't in the root set;
		// the creator device cannot be vouched for by anything else.
		return Link{}, "", fmt.Errorf("%w: creator device %s is not in the trusted root", ErrChainBroken, subjectID)
	}

	kind, intermediate, signedByID, ok := approvalArtifact(g, device)
	if !ok {
		return Link{}, "", fmt.Errorf("%w: device %s has no approval artifact", ErrChainBroken, subjectID)
	}
	link := Link{Kind: kind, SignedPubkey: pub, SignerDigest: signerDigest(g, signedByID)}
	if intermediate != nil {
		link.Intermediates = []crypt.Pubkey{*intermediate}
	}
	return link, signedByID, nil
}

// approvalArtifact resolves the invite, device grant, or recovery key that
// introduced a device's pubkey. Deleted artifacts still vouch: the deleted
// graph keeps them for exactly this purpose.
func approvalArtifact(g graph.Graph, device graph.OrgUserDevice) (LinkKind, *crypt.Pubkey, string, bool) {
	id := device.ApprovedByID
	lookup := func(id string) (graph.Object, bool) {
		if obj, ok := g.Object(id); ok {
			return obj, true
		}
		return g.Deleted(id)
	}
	obj, ok := lookup(id)
	if !ok {
		return "", nil, "", false
	}
	switch a := obj.(type) {
	case graph.Invite:
		return LinkInvite, a.Pubkey, a.SignedByID, a.SignedByID != ""
	case graph.DeviceGrant:
		return LinkDeviceGrant, a.Pubkey, a.SignedByID, a.SignedByID != ""
	case graph.RecoveryKey:
		return LinkRecoveryKey, a.Pubkey, a.SignedByID, a.SignedByID != ""
	}
	return "", nil, "", false
}

func signerDigest(g graph.Graph, signerID string) crypt.Digest {
	pub, ok := subjectPubkey(g, signerID)
	if !ok {
		return crypt.Digest{}
	}
	return crypt.Fingerprint(pub)
}
