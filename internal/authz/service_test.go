package authz

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/envkey/envkey-sub005/internal/auth"
	"github.com/envkey/envkey-sub005/internal/crypt"
	"github.com/envkey/envkey-sub005/internal/graph"
	"github.com/envkey/envkey-sub005/internal/rbac"
	"github.com/envkey/envkey-sub005/internal/sockets"
	"github.com/envkey/envkey-sub005/internal/store"
)

// serviceFixture extends the base fixture with real keypairs on the actors
// that sign envelopes, plus a root-signed invite for device introduction.
func serviceFixture(t *testing.T) (graph.Graph, map[string]crypt.Keypair) {
	t.Helper()
	kps := map[string]crypt.Keypair{}
	for _, name := range []string{"device-admin", "device-dev", "invite-1", "device-new"} {
		kp, err := crypt.Generate()
		if err != nil {
			t.Fatalf("generate keypair: %v", err)
		}
		kps[name] = kp
	}

	g := fixture()
	adminDevice, _ := g.Device("device-admin")
	adminPub := kps["device-admin"].Pubkey
	adminDevice.Pubkey = &adminPub
	devDevice, _ := g.Device("device-dev")
	devPub := kps["device-dev"].Pubkey
	devDevice.Pubkey = &devPub
	invitePub := kps["invite-1"].Pubkey

	return g.With(
		adminDevice,
		devDevice,
		graph.Invite{
			Meta: meta("invite-1"), InviteeID: "user-dev", SignedByID: "device-admin",
			Pubkey: &invitePub, ExpiresAt: time.Now().Add(time.Hour),
		},
	), kps
}

func seedStore(t *testing.T, g graph.Graph) *store.Memory {
	t.Helper()
	st := store.NewMemory()
	var items store.TransactionItems
	for _, obj := range g.All() {
		body, err := graph.Encode(obj)
		if err != nil {
			t.Fatalf("encode %s: %v", obj.ObjectID(), err)
		}
		items.Puts = append(items.Puts, store.Record{
			Key:  store.Key{Primary: graphPrimary("org-1"), Sort: graphSort(obj)},
			Body: body,
		})
	}
	if err := st.Transact(context.Background(), "org-1", items); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	return st
}

func signEnvelope(t *testing.T, action Action, kp crypt.Keypair) SignedEnvelope {
	t.Helper()
	body, err := json.Marshal(action)
	if err != nil {
		t.Fatalf("marshal action: %v", err)
	}
	return SignedEnvelope{Body: body, Signature: crypt.SignDetached(body, kp.Privkey.SignKey)}
}

func adminActor() auth.Actor {
	return auth.Actor{Kind: auth.SessionDevice, OrgID: "org-1", UserID: "user-admin", DeviceID: "device-admin"}
}

func TestServiceCommitsAuthorizedAction(t *testing.T) {
	g, kps := serviceFixture(t)
	st := seedStore(t, g)
	svc := NewService(st, sockets.New())
	ctx := context.Background()

	action := Action{
		Type:  ActionUpdateEnvs,
		OrgID: "org-1",
		Payload: EnvsPayload{
			Blobs: map[string]BlobSet{
				"env-dev": {
					Env: sealed(), Meta: sealed(), Inherits: sealed(),
					Changesets: []crypt.Sealed{*sealed()},
				},
			},
		},
	}
	env := signEnvelope(t, action, kps["device-admin"])
	if err := svc.HandleAction(ctx, adminActor(), env); err != nil {
		t.Fatalf("HandleAction failed: %v", err)
	}

	recs, err := st.Query(ctx, store.Scope{Primary: "encryptedBlob|org-1"})
	if err != nil {
		t.Fatalf("query blobs: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("expected 4 blob records, got %d", len(recs))
	}
	if _, err := st.Get(ctx, store.Key{Primary: "encryptedBlob|org-1", Sort: "app-1|env|env-dev|env"}); err != nil {
		t.Fatalf("env part blob missing: %v", err)
	}
	if _, err := st.Get(ctx, store.Key{Primary: "encryptedBlob|org-1", Sort: "app-1|changeset|env-dev|env"}); err != nil {
		t.Fatalf("changeset blob missing: %v", err)
	}
}

func TestServiceRejectsBadSignature(t *testing.T) {
	g, kps := serviceFixture(t)
	st := seedStore(t, g)
	svc := NewService(st, sockets.New())
	ctx := context.Background()

	action := Action{
		Type:  ActionUpdateEnvs,
		OrgID: "org-1",
		Payload: EnvsPayload{
			Blobs: map[string]BlobSet{
				"env-dev": {
					Env: sealed(), Meta: sealed(), Inherits: sealed(),
					Changesets: []crypt.Sealed{*sealed()},
				},
			},
		},
	}
	// Signed with the wrong device's key.
	env := signEnvelope(t, action, kps["device-dev"])
	if err := svc.HandleAction(ctx, adminActor(), env); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	recs, _ := st.Query(ctx, store.Scope{Primary: "encryptedBlob|org-1"})
	if len(recs) != 0 {
		t.Fatalf("rejected action left %d records", len(recs))
	}
}

func TestServiceRejectsUnauthorizedActor(t *testing.T) {
	g, kps := serviceFixture(t)
	st := seedStore(t, g)
	svc := NewService(st, sockets.New())
	ctx := context.Background()

	// The developer cannot write prod.
	action := Action{
		Type:  ActionUpdateEnvs,
		OrgID: "org-1",
		Payload: EnvsPayload{
			Blobs: map[string]BlobSet{
				"env-prod": {
					Env: sealed(), Meta: sealed(), Inherits: sealed(),
					Changesets: []crypt.Sealed{*sealed()},
				},
			},
		},
	}
	actor := auth.Actor{Kind: auth.SessionDevice, OrgID: "org-1", UserID: "user-dev", DeviceID: "device-dev"}
	env := signEnvelope(t, action, kps["device-dev"])
	if err := svc.HandleAction(ctx, actor, env); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	recs, _ := st.Query(ctx, store.Scope{Primary: "encryptedBlob|org-1"})
	if len(recs) != 0 {
		t.Fatalf("denied action left %d records", len(recs))
	}
}

func TestServiceRejectsOrgMismatch(t *testing.T) {
	g, kps := serviceFixture(t)
	st := seedStore(t, g)
	svc := NewService(st, sockets.New())

	action := Action{Type: ActionRevokeTrusted, OrgID: "org-2"}
	env := signEnvelope(t, action, kps["device-admin"])
	if err := svc.HandleAction(context.Background(), adminActor(), env); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestServiceAcceptsRootAnchoredDevice(t *testing.T) {
	g, kps := serviceFixture(t)
	st := seedStore(t, g)
	svc := NewService(st, sockets.New())
	ctx := context.Background()

	newPub := kps["device-new"].Pubkey
	newDevice := graph.OrgUserDevice{
		Meta: meta("device-new"), UserID: "user-dev", Name: "laptop-2",
		Pubkey: &newPub, ApprovedByType: graph.TypeInvite, ApprovedByID: "invite-1",
	}
	rawDevice, err := graph.Encode(newDevice)
	if err != nil {
		t.Fatalf("encode device: %v", err)
	}

	action := Action{
		Type:            ActionAcceptInvite,
		OrgID:           "org-1",
		GraphUpdatesRaw: []json.RawMessage{rawDevice},
		Payload: EnvsPayload{
			NewDevice: &NewDeviceUpdate{
				UserID:   "user-dev",
				DeviceID: "device-new",
				Update: DeviceUpdate{Environments: map[string]EnvUpdate{
					"env-dev": {Env: sealed(), Meta: sealed(), Inherits: sealed()},
				}},
			},
		},
	}
	actor := auth.Actor{Kind: auth.SessionInvite, OrgID: "org-1", UserID: "user-dev", GrantID: "invite-1"}
	env := signEnvelope(t, action, kps["invite-1"])
	if err := svc.HandleAction(ctx, actor, env); err != nil {
		t.Fatalf("HandleAction failed: %v", err)
	}

	// The device object and its seeded keys committed together.
	if _, err := st.Get(ctx, store.Key{Primary: "graph|org-1", Sort: "orgUserDevice|device-new"}); err != nil {
		t.Fatalf("introduced device not committed: %v", err)
	}
	keys, err := st.Query(ctx, store.Scope{Primary: "encryptedKey|org-1|user-dev|device-new"})
	if err != nil {
		t.Fatalf("query seeded keys: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 seeded key records, got %d", len(keys))
	}
}

func TestServiceRejectsUnanchoredDevice(t *testing.T) {
	g, kps := serviceFixture(t)
	st := seedStore(t, g)
	svc := NewService(st, sockets.New())
	ctx := context.Background()

	newPub := kps["device-new"].Pubkey
	orphan := graph.OrgUserDevice{
		Meta: meta("device-new"), UserID: "user-dev", Name: "laptop-2",
		Pubkey: &newPub, ApprovedByType: graph.TypeInvite, ApprovedByID: "invite-missing",
	}
	rawDevice, err := graph.Encode(orphan)
	if err != nil {
		t.Fatalf("encode device: %v", err)
	}

	action := Action{
		Type:            ActionAcceptInvite,
		OrgID:           "org-1",
		GraphUpdatesRaw: []json.RawMessage{rawDevice},
		Payload: EnvsPayload{
			NewDevice: &NewDeviceUpdate{
				UserID:   "user-dev",
				DeviceID: "device-new",
				Update: DeviceUpdate{Environments: map[string]EnvUpdate{
					"env-dev": {Env: sealed(), Meta: sealed(), Inherits: sealed()},
				}},
			},
		},
	}
	actor := auth.Actor{Kind: auth.SessionInvite, OrgID: "org-1", UserID: "user-dev", GrantID: "invite-1"}
	env := signEnvelope(t, action, kps["invite-1"])
	if err := svc.HandleAction(ctx, actor, env); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := st.Get(ctx, store.Key{Primary: "graph|org-1", Sort: "orgUserDevice|device-new"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unanchored device committed: %v", err)
	}
}

func TestServiceRemoveUserFlagsAndClears(t *testing.T) {
	g, kps := serviceFixture(t)
	st := seedStore(t, g)
	hub := sockets.New()
	svc := NewService(st, hub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := hub.Subscribe(ctx)

	action := Action{
		Type:           ActionRemoveUser,
		OrgID:          "org-1",
		RemovedUserIDs: []string{"user-dev"},
		SoftDeletedIDs: []string{"user-dev", "device-dev"},
	}
	env := signEnvelope(t, action, kps["device-admin"])
	if err := svc.HandleAction(ctx, adminActor(), env); err != nil {
		t.Fatalf("HandleAction failed: %v", err)
	}

	// The dev environment lost a reader but kept one, so its stamp
	// committed with the removal.
	committed, err := LoadGraph(ctx, st, "org-1")
	if err != nil {
		t.Fatalf("LoadGraph failed: %v", err)
	}
	envDev, ok := committed.Environment("env-dev")
	if !ok || envDev.ReencryptionRequiredAt == nil {
		t.Fatalf("env-dev not flagged for reencryption: %+v", envDev)
	}
	if _, ok := committed.Object("user-dev"); ok {
		t.Fatal("removed user still live")
	}
	if _, ok := committed.Deleted("user-dev"); !ok {
		t.Fatal("removed user missing from deleted view")
	}

	wantScopes := map[sockets.Scope][]string{
		sockets.ScopeUser:   {"user-dev"},
		sockets.ScopeDevice: {"device-dev"},
	}
	for i := 0; i < len(wantScopes); i++ {
		select {
		case inst := <-sub:
			want, ok := wantScopes[inst.Scope]
			if !ok {
				t.Fatalf("unexpected clear scope %q", inst.Scope)
			}
			if !reflect.DeepEqual(inst.IDs, want) {
				t.Fatalf("scope %q ids = %v, want %v", inst.Scope, inst.IDs, want)
			}
			delete(wantScopes, inst.Scope)
		case <-time.After(time.Second):
			t.Fatalf("missing clear instructions: %v", wantScopes)
		}
	}
}

func TestServiceRevocationClearsOrg(t *testing.T) {
	g, kps := serviceFixture(t)
	st := seedStore(t, g)
	hub := sockets.New()
	svc := NewService(st, hub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := hub.Subscribe(ctx)

	action := Action{Type: ActionRevokeTrusted, OrgID: "org-1", SoftDeletedIDs: []string{"device-dev"}}
	env := signEnvelope(t, action, kps["device-admin"])
	if err := svc.HandleAction(ctx, adminActor(), env); err != nil {
		t.Fatalf("HandleAction failed: %v", err)
	}

	select {
	case inst := <-sub:
		if inst.Scope != sockets.ScopeOrg {
			t.Fatalf("scope = %q, want org", inst.Scope)
		}
		if !reflect.DeepEqual(inst.IDs, []string{"org-1"}) {
			t.Fatalf("ids = %v, want [org-1]", inst.IDs)
		}
	case <-time.After(time.Second):
		t.Fatal("no org clear instruction")
	}
}

func TestTransactionItemsDeterministic(t *testing.T) {
	g := fixture()
	action := Action{
		Type:  ActionUpdateEnvs,
		OrgID: "org-1",
		Payload: EnvsPayload{
			Users: map[string]map[string]DeviceUpdate{
				"user-dev": {
					"device-dev": {Environments: map[string]EnvUpdate{
						"env-dev":  {Env: sealed(), Meta: sealed(), Inherits: sealed()},
						"env-prod": {Meta: sealed()},
					}},
				},
				"user-admin": {
					"device-admin": {Environments: map[string]EnvUpdate{
						"env-dev": {Env: sealed(), Meta: sealed(), Inherits: sealed()},
					}},
				},
			},
			Blobs: map[string]BlobSet{
				"env-dev": {
					Env: sealed(), Meta: sealed(), Inherits: sealed(),
					Changesets: []crypt.Sealed{*sealed()},
				},
				"env-prod": {
					InheritanceOverrides: map[string]crypt.Sealed{"env-dev": *sealed()},
				},
			},
		},
	}

	first, err := TransactionItems(g, "org-1", action)
	if err != nil {
		t.Fatalf("TransactionItems failed: %v", err)
	}
	second, err := TransactionItems(g, "org-1", action)
	if err != nil {
		t.Fatalf("TransactionItems failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatal("identical actions produced different transactions")
	}

	// 7 per-device key records plus 5 blob records.
	if len(first.Puts) != 12 {
		t.Fatalf("expected 12 puts, got %d", len(first.Puts))
	}
	for i := 1; i < len(first.Puts); i++ {
		prev, cur := first.Puts[i-1], first.Puts[i]
		if prev.Primary > cur.Primary || (prev.Primary == cur.Primary && prev.Sort > cur.Sort) {
			t.Fatalf("puts not ordered at %d: %v > %v", i, prev.Key, cur.Key)
		}
	}
}

func TestProvisioningTokenLifecycle(t *testing.T) {
	st := seedStore(t, fixture())
	svc := NewService(st, sockets.New())
	ctx := context.Background()

	token, err := svc.CreateProvisioningToken(ctx, adminActor())
	if err != nil {
		t.Fatalf("CreateProvisioningToken failed: %v", err)
	}
	if !auth.IsProvisioningToken(token) {
		t.Fatalf("unexpected token form %q", token)
	}

	actor, err := svc.ProvisioningActor(ctx, token)
	if err != nil {
		t.Fatalf("ProvisioningActor failed: %v", err)
	}
	if actor.Kind != auth.SessionProvisioning || actor.OrgID != "org-1" {
		t.Fatalf("unexpected actor %+v", actor)
	}

	if _, err := svc.ProvisioningActor(ctx, token+"x"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("tampered token resolved: %v", err)
	}

	// Minting needs org_manage_users; the basic developer has none.
	dev := auth.Actor{Kind: auth.SessionDevice, OrgID: "org-1", UserID: "user-dev", DeviceID: "device-dev"}
	if _, err := svc.CreateProvisioningToken(ctx, dev); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("basic user minted a token: %v", err)
	}
}

func TestTransactionItemsStoreLocalsChangesets(t *testing.T) {
	g := fixture()
	action := Action{
		Type:  ActionUpdateEnvs,
		OrgID: "org-1",
		Payload: EnvsPayload{
			Users: map[string]map[string]DeviceUpdate{
				"user-admin": {
					"device-admin": {Locals: map[string]map[string]LocalsUpdate{
						"app-1": {"user-dev": {Env: sealed(), Changesets: sealed()}},
					}},
				},
			},
		},
	}

	if !AuthorizeEnvsUpdate(g, rbac.NewMemo(), "user-admin", action) {
		t.Fatal("locals update not authorized")
	}

	items, err := TransactionItems(g, "org-1", action)
	if err != nil {
		t.Fatalf("TransactionItems failed: %v", err)
	}
	if len(items.Puts) != 2 {
		t.Fatalf("expected 2 puts, got %d", len(items.Puts))
	}
	sorts := map[string]bool{}
	for _, rec := range items.Puts {
		if rec.Primary != "encryptedKey|org-1|user-admin|device-admin" {
			t.Fatalf("unexpected primary key %q", rec.Primary)
		}
		sorts[rec.Sort] = true
	}
	if !sorts["app-1|localOverrides|user-dev|env"] {
		t.Fatalf("locals env key missing: %v", sorts)
	}
	if !sorts["app-1|changeset|locals|user-dev|env"] {
		t.Fatalf("locals changeset key missing: %v", sorts)
	}
}

func TestTransactionItemsSoftDeletes(t *testing.T) {
	g := fixture()
	action := Action{
		Type:           ActionRemoveUser,
		OrgID:          "org-1",
		SoftDeletedIDs: []string{"user-dev", "device-dev", "ghost"},
	}
	items, err := TransactionItems(g, "org-1", action)
	if err != nil {
		t.Fatalf("TransactionItems failed: %v", err)
	}
	want := []store.Key{
		{Primary: "graph|org-1", Sort: "orgUser|user-dev"},
		{Primary: "graph|org-1", Sort: "orgUserDevice|device-dev"},
	}
	if !reflect.DeepEqual(items.SoftDeleteKeys, want) {
		t.Fatalf("soft deletes = %v, want %v", items.SoftDeleteKeys, want)
	}
}

func TestLoadGraphIncludesDeletedView(t *testing.T) {
	g, _ := serviceFixture(t)
	st := seedStore(t, g)
	ctx := context.Background()

	err := st.Transact(ctx, "org-1", store.TransactionItems{
		SoftDeleteKeys: []store.Key{{Primary: "graph|org-1", Sort: "invite|invite-1"}},
	})
	if err != nil {
		t.Fatalf("soft delete failed: %v", err)
	}

	loaded, err := LoadGraph(ctx, st, "org-1")
	if err != nil {
		t.Fatalf("LoadGraph failed: %v", err)
	}
	if _, ok := loaded.Object("invite-1"); ok {
		t.Fatal("soft-deleted invite still live")
	}
	obj, ok := loaded.Deleted("invite-1")
	if !ok {
		t.Fatal("soft-deleted invite lost entirely")
	}
	if obj.ObjectMeta().DeletedAt == nil {
		t.Fatal("deleted object missing DeletedAt stamp")
	}
}

func TestTrustedRoots(t *testing.T) {
	g, kps := serviceFixture(t)
	replacementKP, err := crypt.Generate()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	replacementPub := replacementKP.Pubkey
	g = g.With(graph.RootPubkeyReplacement{
		Meta: meta("replacement-1"), Pubkey: &replacementPub, CreatorDeviceID: "device-admin",
	})

	roots := TrustedRoots(g)
	if len(roots) != 2 {
		t.Fatalf("expected 2 trusted roots, got %d", len(roots))
	}
	if _, ok := roots[crypt.Fingerprint(kps["device-admin"].Pubkey)]; !ok {
		t.Fatal("root device digest missing")
	}
	if _, ok := roots[crypt.Fingerprint(replacementPub)]; !ok {
		t.Fatal("replacement digest missing")
	}
	if _, ok := roots[crypt.Fingerprint(kps["device-dev"].Pubkey)]; ok {
		t.Fatal("non-root device treated as root")
	}
}
