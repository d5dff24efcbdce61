package authz

import (
	"context"
	"encoding/json"
	"time"

	"github.com/envkey/envkey-sub005/internal/audit"
	"github.com/envkey/envkey-sub005/internal/auth"
	"github.com/envkey/envkey-sub005/internal/graph"
	"github.com/envkey/envkey-sub005/internal/rbac"
	"github.com/envkey/envkey-sub005/internal/store"
)

// Provisioning tokens live in their own partition, outside any org graph:
// the transport must resolve them before it knows which org a request
// belongs to.
const provisioningPrimary = "provisioningToken"

// ProvisioningToken is the stored record for one directory-sync bearer
// token. Only the argon2id hash is kept.
type ProvisioningToken struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"orgId"`
	CreatedByID string    `json:"createdById"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CreateProvisioningToken mints a bearer token for directory sync against
// the actor's org. The plaintext is returned once and never stored.
func (s *Service) CreateProvisioningToken(ctx context.Context, actor auth.Actor) (string, error) {
	if actor.Kind != auth.SessionDevice && actor.Kind != auth.SessionCli {
		return "", auth.ErrUnauthorized
	}
	g, err := LoadGraph(ctx, s.Store, actor.OrgID)
	if err != nil {
		return "", auth.ErrUnauthorized
	}
	if !rbac.OrgPermissionsForUser(g, actor.UserID, nil).Has(graph.OrgManageUsers) {
		return "", auth.ErrUnauthorized
	}

	token, hash, err := auth.GenerateProvisioningToken()
	if err != nil {
		return "", err
	}
	id, ok := auth.ProvisioningTokenID(token)
	if !ok {
		return "", auth.ErrUnauthorized
	}
	body, err := json.Marshal(ProvisioningToken{
		ID:          id,
		OrgID:       actor.OrgID,
		CreatedByID: actor.UserID,
		Hash:        hash,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	items := store.TransactionItems{Puts: []store.Record{{
		Key:  store.Key{Primary: provisioningPrimary, Sort: id},
		Body: body,
	}}}
	if err := s.Store.Transact(ctx, actor.OrgID, items); err != nil {
		return "", err
	}
	_ = audit.LogEvent(ctx, audit.EventProvisioningIssued, map[string]any{
		"token_id": id,
	})
	return token, nil
}

// ProvisioningActor resolves a presented provisioning bearer token to the
// actor context it grants. Every failure is auth.ErrUnauthorized.
func (s *Service) ProvisioningActor(ctx context.Context, token string) (auth.Actor, error) {
	id, ok := auth.ProvisioningTokenID(token)
	if !ok {
		return auth.Actor{}, auth.ErrUnauthorized
	}
	rec, err := s.Store.Get(ctx, store.Key{Primary: provisioningPrimary, Sort: id})
	if err != nil {
		return auth.Actor{}, auth.ErrUnauthorized
	}
	var pt ProvisioningToken
	if err := json.Unmarshal(rec.Body, &pt); err != nil {
		return auth.Actor{}, auth.ErrUnauthorized
	}
	if err := auth.VerifyProvisioningToken(pt.Hash, token); err != nil {
		return auth.Actor{}, auth.ErrUnauthorized
	}
	return auth.Actor{Kind: auth.SessionProvisioning, OrgID: pt.OrgID}, nil
}
