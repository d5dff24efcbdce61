package authz

import (
	"context"
	"reflect"
	"time"

	"github.com/envkey/envkey-sub005/internal/audit"
	"github.com/envkey/envkey-sub005/internal/auth"
	"github.com/envkey/envkey-sub005/internal/blob"
	"github.com/envkey/envkey-sub005/internal/crypt"
	"github.com/envkey/envkey-sub005/internal/graph"
	"github.com/envkey/envkey-sub005/internal/obs"
	"github.com/envkey/envkey-sub005/internal/rbac"
	"github.com/envkey/envkey-sub005/internal/sockets"
	"github.com/envkey/envkey-sub005/internal/store"
	"github.com/envkey/envkey-sub005/internal/trust"
)

// Service runs the full pipeline for one submitted action: signature
// verification, trust resolution for any new keys, authorization against
// the post-mutation graph, and the atomic commit. Every failure surfaces
// as auth.ErrUnauthorized; callers learn nothing about which gate tripped.
type Service struct {
	Store store.Store
	Locks *store.OrgLocks
	Hub   *sockets.Hub

	memo *rbac.Memo
}

// NewService wires a pipeline over the given store and socket hub.
func NewService(st store.Store, hub *sockets.Hub) *Service {
	return &Service{
		Store: st,
		Locks: store.NewOrgLocks(),
		Hub:   hub,
		memo:  rbac.NewMemo(),
	}
}

// HandleAction processes one signed action end to end. The org lock
// serializes all mutations for the org, so authorization always runs
// against the graph the commit will extend.
func (s *Service) HandleAction(ctx context.Context, actor auth.Actor, env SignedEnvelope) error {
	unlock := s.Locks.Lock(actor.OrgID)
	defer unlock()

	prev, err := LoadGraph(ctx, s.Store, actor.OrgID)
	if err != nil {
		return auth.ErrUnauthorized
	}

	if err := VerifyEnvelope(prev, actor, env); err != nil {
		return auth.ErrUnauthorized
	}
	action, err := DecodeAction(env)
	if err != nil {
		return auth.ErrUnauthorized
	}
	if action.OrgID != actor.OrgID {
		return auth.ErrUnauthorized
	}

	now := time.Now().UTC()
	next := prev.With(action.GraphUpdates...).WithSoftDeleted(now, action.SoftDeletedIDs...)

	if err := s.verifyIntroducedKeys(next, action); err != nil {
		_ = audit.LogEvent(ctx, audit.EventTrustBroken, map[string]any{
			"action": string(action.Type),
			"error":  err.Error(),
		})
		return auth.ErrUnauthorized
	}

	authorized := AuthorizeEnvsUpdate(next, s.memo, actor.UserID, action)
	obs.RecordAuthzDecision(string(action.Type), authorized)
	if !authorized {
		_ = audit.LogEvent(ctx, audit.EventActionDenied, map[string]any{
			"action": string(action.Type),
		})
		return auth.ErrUnauthorized
	}
	_ = audit.LogEvent(ctx, audit.EventActionAuthorized, map[string]any{
		"action": string(action.Type),
	})

	flagged := blob.FlagReencryptionRequired(prev, next, action.RemovedUserIDs, now)
	action.GraphUpdates = append(action.GraphUpdates, changedObjects(next, flagged)...)

	items, err := TransactionItems(flagged, actor.OrgID, action)
	if err != nil {
		return auth.ErrUnauthorized
	}
	if err := s.Store.Transact(ctx, actor.OrgID, items); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, audit.EventActionApplied, map[string]any{
		"action": string(action.Type),
		"puts":   len(items.Puts),
	})

	s.publishClears(ctx, actor.OrgID, next, action, now)
	return nil
}

// verifyIntroducedKeys resolves a trust chain for every device, CLI user,
// or generated envkey the action introduces. A key that cannot be walked
// back to the org's trusted root rejects the whole action.
func (s *Service) verifyIntroducedKeys(g graph.Graph, action Action) error {
	state := trust.State{
		Graph:          g,
		SessionTrusted: map[crypt.Digest]struct{}{},
		TrustedRoot:    TrustedRoots(g),
	}
	for _, obj := range action.GraphUpdates {
		var subjectID string
		var pub *crypt.Pubkey
		switch o := obj.(type) {
		case graph.OrgUserDevice:
			if o.IsRoot || o.Pubkey == nil {
				continue
			}
			subjectID, pub = o.ID, o.Pubkey
		case graph.CliUser:
			if o.Pubkey == nil {
				continue
			}
			subjectID, pub = o.ID, o.Pubkey
		case graph.GeneratedEnvkey:
			if o.Pubkey == nil {
				continue
			}
			subjectID, pub = o.ID, o.Pubkey
		default:
			continue
		}
		start := time.Now()
		_, err := trust.Chain(state, subjectID)
		obs.ObserveTrustChain(time.Since(start))
		if err != nil {
			return err
		}
		// Verified subjects vouch for later keys in the same batch.
		state.SessionTrusted[crypt.Fingerprint(*pub)] = struct{}{}
	}
	return nil
}

// publishClears orders connection resets for every identity whose trust
// material this action touched.
func (s *Service) publishClears(ctx context.Context, orgID string, g graph.Graph, action Action, now time.Time) {
	publish := func(scope sockets.Scope, ids []string) {
		if len(ids) == 0 {
			return
		}
		s.Hub.Publish(sockets.ClearInstruction{
			OrgID:     orgID,
			Scope:     scope,
			IDs:       ids,
			Timestamp: now,
		})
		obs.RecordSocketClear(string(scope))
	}

	switch action.Type {
	case ActionRevokeTrusted, ActionReplaceRoot:
		publish(sockets.ScopeOrg, []string{orgID})
		_ = audit.LogEvent(ctx, audit.EventSocketsCleared, map[string]any{"scope": "org"})
		return
	}

	if len(action.RemovedUserIDs) > 0 {
		publish(sockets.ScopeUser, action.RemovedUserIDs)
	}
	var envkeyIDs, deviceIDs []string
	for _, id := range action.SoftDeletedIDs {
		obj, ok := g.Deleted(id)
		if !ok {
			continue
		}
		switch obj.ObjectType() {
		case graph.TypeGeneratedEnvkey:
			envkeyIDs = append(envkeyIDs, id)
		case graph.TypeOrgUserDevice:
			deviceIDs = append(deviceIDs, id)
		}
	}
	publish(sockets.ScopeDevice, deviceIDs)
	publish(sockets.ScopeGeneratedEnvkey, envkeyIDs)
}

// LoadGraph reconstructs an org's graph snapshot, including its deleted
// view when the store can serve it.
func LoadGraph(ctx context.Context, st store.Store, orgID string) (graph.Graph, error) {
	scope := store.Scope{Primary: graphPrimary(orgID)}

	var recs []store.Record
	var err error
	if dq, ok := st.(store.DeletedQuerier); ok {
		recs, err = dq.QueryIncludingDeleted(ctx, scope)
	} else {
		recs, err = st.Query(ctx, scope)
	}
	if err != nil {
		return graph.Graph{}, err
	}

	objects := make([]graph.Object, 0, len(recs))
	for _, rec := range recs {
		obj, err := graph.Decode(rec.Body)
		if err != nil {
			return graph.Graph{}, err
		}
		if rec.DeletedAt != nil {
			obj = graph.MarkDeleted(obj, *rec.DeletedAt)
		}
		objects = append(objects, obj)
	}
	return graph.New(objects...), nil
}

// TrustedRoots collects the digests a chain may terminate at: the org
// creator's root devices, plus any fully processed root replacement.
func TrustedRoots(g graph.Graph) map[crypt.Digest]struct{} {
	roots := map[crypt.Digest]struct{}{}
	for _, obj := range g.All() {
		switch o := obj.(type) {
		case graph.OrgUserDevice:
			if o.IsRoot && o.Pubkey != nil {
				roots[crypt.Fingerprint(*o.Pubkey)] = struct{}{}
			}
		case graph.RootPubkeyReplacement:
			if o.Pubkey != nil {
				roots[crypt.Fingerprint(*o.Pubkey)] = struct{}{}
			}
		}
	}
	return roots
}

// changedObjects returns the objects whose stamped state differs between
// the two snapshots, so reencryption flags commit with the action.
func changedObjects(before, after graph.Graph) []graph.Object {
	var out []graph.Object
	for _, obj := range after.All() {
		prev, ok := before.Object(obj.ObjectID())
		if !ok || !reflect.DeepEqual(prev, obj) {
			out = append(out, obj)
		}
	}
	return out
}
