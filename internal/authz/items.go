package authz

import (
	"encoding/json"
	"sort"

	"github.com/envkey/envkey-sub005/internal/blob"
	"github.com/envkey/envkey-sub005/internal/crypt"
	"github.com/envkey/envkey-sub005/internal/graph"
	"github.com/envkey/envkey-sub005/internal/store"
)

// graphPrimary is the store partition holding an org's graph objects,
// alongside the ciphertext partitions the blob package derives.
func graphPrimary(orgID string) string { return "graph|" + orgID }

// graphSort keys one object within its org partition.
func graphSort(obj graph.Object) string {
	return string(obj.ObjectType()) + "|" + obj.ObjectID()
}

// TransactionItems derives the finished write set of an authorized action:
// the graph mutation plus every ciphertext record the payload carries. The
// result commits atomically or not at all.
func TransactionItems(g graph.Graph, orgID string, action Action) (store.TransactionItems, error) {
	var items store.TransactionItems

	for _, obj := range action.GraphUpdates {
		body, err := graph.Encode(obj)
		if err != nil {
			return store.TransactionItems{}, err
		}
		items.Puts = append(items.Puts, store.Record{
			Key:  store.Key{Primary: graphPrimary(orgID), Sort: graphSort(obj)},
			Body: body,
		})
	}
	for _, id := range action.SoftDeletedIDs {
		obj, ok := g.Object(id)
		if !ok {
			obj, ok = g.Deleted(id)
		}
		if !ok {
			continue
		}
		items.SoftDeleteKeys = append(items.SoftDeleteKeys, store.Key{
			Primary: graphPrimary(orgID),
			Sort:    graphSort(obj),
		})
	}

	p := action.Payload
	for userID, devices := range p.Users {
		for deviceID, upd := range devices {
			if err := appendDeviceItems(&items, g, orgID, userID, deviceID, upd); err != nil {
				return store.TransactionItems{}, err
			}
		}
	}
	if nd := p.NewDevice; nd != nil {
		if err := appendDeviceItems(&items, g, orgID, nd.UserID, nd.DeviceID, nd.Update); err != nil {
			return store.TransactionItems{}, err
		}
	}
	for envkeyID, upd := range p.KeyableParents {
		if err := appendEnvkeyItems(&items, g, orgID, envkeyID, "", upd); err != nil {
			return store.TransactionItems{}, err
		}
	}
	for envkeyID, byBlock := range p.BlockKeyableParents {
		for blockID, upd := range byBlock {
			if err := appendEnvkeyItems(&items, g, orgID, envkeyID, blockID, upd); err != nil {
				return store.TransactionItems{}, err
			}
		}
	}
	for envID, set := range p.Blobs {
		if err := appendBlobItems(&items, g, orgID, envID, set); err != nil {
			return store.TransactionItems{}, err
		}
	}

	sortPuts(items.Puts)
	return items, nil
}

func appendDeviceItems(items *store.TransactionItems, g graph.Graph, orgID, userID, deviceID string, upd DeviceUpdate) error {
	for envID, envUpd := range upd.Environments {
		env, ok := g.Environment(envID)
		if !ok {
			continue
		}
		envType := blob.EnvTypeEnv
		if env.IsSub {
			envType = blob.EnvTypeSubEnv
		}
		base := blob.UserEncryptedKeyParams{
			OrgID:         orgID,
			UserID:        userID,
			DeviceID:      deviceID,
			EnvParentID:   env.EnvParentID,
			EnvironmentID: envID,
			EnvType:       envType,
		}
		parts := []struct {
			part   blob.EnvPart
			sealed *crypt.Sealed
		}{
			{blob.EnvPartEnv, envUpd.Env},
			{blob.EnvPartMeta, envUpd.Meta},
			{blob.EnvPartInherits, envUpd.Inherits},
		}
		for _, p := range parts {
			if p.sealed == nil {
				continue
			}
			params := base
			params.EnvPart = p.part
			if err := putUserKey(items, params, *p.sealed); err != nil {
				return err
			}
		}
		if envUpd.Changesets != nil {
			params := base
			params.EnvType = blob.EnvTypeChangeset
			params.EnvPart = blob.EnvPartEnv
			if err := putUserKey(items, params, *envUpd.Changesets); err != nil {
				return err
			}
		}
		for overriddenEnvID, sealed := range envUpd.InheritanceOverrides {
			params := base
			params.EnvType = blob.EnvTypeInheritanceOverrides
			params.InheritsEnvironmentID = overriddenEnvID
			params.EnvPart = blob.EnvPartEnv
			if err := putUserKey(items, params, sealed); err != nil {
				return err
			}
		}
	}
	for envParentID, byOwner := range upd.Locals {
		for localsUserID, localsUpd := range byOwner {
			base := blob.UserEncryptedKeyParams{
				OrgID:        orgID,
				UserID:       userID,
				DeviceID:     deviceID,
				EnvParentID:  envParentID,
				LocalsUserID: localsUserID,
				EnvPart:      blob.EnvPartEnv,
			}
			if localsUpd.Env != nil {
				params := base
				params.EnvType = blob.EnvTypeLocalOverrides
				if err := putUserKey(items, params, *localsUpd.Env); err != nil {
					return err
				}
			}
			if localsUpd.Changesets != nil {
				params := base
				params.EnvType = blob.EnvTypeChangeset
				if err := putUserKey(items, params, *localsUpd.Changesets); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func appendEnvkeyItems(items *store.TransactionItems, g graph.Graph, orgID, envkeyID, blockID string, upd EnvkeyUpdate) error {
	envkey, ok := g.GeneratedEnvkey(envkeyID)
	if !ok {
		return nil
	}
	envID := envkey.EnvironmentID
	envParentID := envkey.AppID
	if blockID != "" {
		blockEnvID, okBlock := blockEnvironmentFor(g, blockID, envkey.EnvironmentID)
		if !okBlock {
			return nil
		}
		envID = blockEnvID
		envParentID = blockID
	}

	base := blob.UserEncryptedKeyParams{
		OrgID:         orgID,
		UserID:        envkeyID,
		DeviceID:      envkeyID,
		EnvParentID:   envParentID,
		EnvironmentID: envID,
	}
	if upd.Env != nil {
		params := base
		params.EnvType = blob.EnvTypeEnv
		params.EnvPart = blob.EnvPartEnv
		if err := putUserKey(items, params, *upd.Env); err != nil {
			return err
		}
	}
	if upd.SubEnv != nil {
		params := base
		params.EnvType = blob.EnvTypeSubEnv
		params.EnvPart = blob.EnvPartEnv
		if err := putUserKey(items, params, *upd.SubEnv); err != nil {
			return err
		}
	}
	for overriddenEnvID, sealed := range upd.InheritanceOverrides {
		params := base
		params.EnvType = blob.EnvTypeInheritanceOverrides
		params.InheritsEnvironmentID = overriddenEnvID
		params.EnvPart = blob.EnvPartEnv
		if err := putUserKey(items, params, sealed); err != nil {
			return err
		}
	}
	for localsUserID, sealed := range upd.Locals {
		params := base
		params.EnvironmentID = ""
		params.EnvType = blob.EnvTypeLocalOverrides
		params.LocalsUserID = localsUserID
		params.EnvPart = blob.EnvPartEnv
		if err := putUserKey(items, params, sealed); err != nil {
			return err
		}
	}
	return nil
}

func appendBlobItems(items *store.TransactionItems, g graph.Graph, orgID, envID string, set BlobSet) error {
	env, ok := g.Environment(envID)
	if !ok {
		return nil
	}
	envType := blob.EnvTypeEnv
	if env.IsSub {
		envType = blob.EnvTypeSubEnv
	}
	base := blob.EncryptedBlobParams{
		OrgID:         orgID,
		EnvParentID:   env.EnvParentID,
		EnvironmentID: envID,
		EnvType:       envType,
	}
	parts := []struct {
		part   blob.EnvPart
		sealed *crypt.Sealed
	}{
		{blob.EnvPartEnv, set.Env},
		{blob.EnvPartMeta, set.Meta},
		{blob.EnvPartInherits, set.Inherits},
	}
	for _, p := range parts {
		if p.sealed == nil {
			continue
		}
		params := base
		params.EnvPart = p.part
		if err := putBlob(items, params, *p.sealed); err != nil {
			return err
		}
	}
	if len(set.Changesets) > 0 || len(set.ChangesetsByID) > 0 {
		params := base
		params.EnvType = blob.EnvTypeChangeset
		params.EnvPart = blob.EnvPartEnv
		body, err := json.Marshal(set.changesetPayload())
		if err != nil {
			return err
		}
		addr, okAddr := blob.EncryptedBlobAddress(params)
		if !okAddr {
			return ErrMalformedBatch
		}
		items.Puts = append(items.Puts, record(addr, body))
	}
	for overriddenEnvID, sealed := range set.InheritanceOverrides {
		params := base
		params.EnvType = blob.EnvTypeInheritanceOverrides
		params.InheritsEnvironmentID = overriddenEnvID
		params.EnvPart = blob.EnvPartEnv
		if err := putBlob(items, params, sealed); err != nil {
			return err
		}
	}
	return nil
}

// changesetPayload normalizes the two changeset forms for storage.
func (b BlobSet) changesetPayload() map[string]crypt.Sealed {
	if len(b.ChangesetsByID) > 0 {
		return b.ChangesetsByID
	}
	out := make(map[string]crypt.Sealed, len(b.Changesets))
	for i, sealed := range b.Changesets {
		out[changesetOrdinal(i)] = sealed
	}
	return out
}

func changesetOrdinal(i int) string {
	// Zero-padded so lexical sort matches insertion order.
	const digits = "0123456789"
	buf := []byte{'0', '0', '0', '0', '0', '0'}
	for pos := len(buf) - 1; pos >= 0 && i > 0; pos-- {
		buf[pos] = digits[i%10]
		i /= 10
	}
	return string(buf)
}

func putUserKey(items *store.TransactionItems, params blob.UserEncryptedKeyParams, sealed crypt.Sealed) error {
	addr, ok := blob.UserEncryptedKeyAddress(params)
	if !ok {
		return ErrMalformedBatch
	}
	body, err := json.Marshal(sealed)
	if err != nil {
		return err
	}
	items.Puts = append(items.Puts, record(addr, body))
	return nil
}

func putBlob(items *store.TransactionItems, params blob.EncryptedBlobParams, sealed crypt.Sealed) error {
	addr, ok := blob.EncryptedBlobAddress(params)
	if !ok {
		return ErrMalformedBatch
	}
	body, err := json.Marshal(sealed)
	if err != nil {
		return err
	}
	items.Puts = append(items.Puts, record(addr, body))
	return nil
}

func record(addr blob.Address, body []byte) store.Record {
	return store.Record{
		Key:            store.Key{Primary: addr.PrimaryKey, Sort: addr.SortKey},
		SecondaryIndex: addr.SecondaryIndex,
		TertiaryIndex:  addr.TertiaryIndex,
		Body:           body,
	}
}

// sortPuts fixes the write order so identical actions produce identical
// transactions regardless of map iteration order.
func sortPuts(puts []store.Record) {
	sort.Slice(puts, func(i, j int) bool {
		if puts[i].Primary != puts[j].Primary {
			return puts[i].Primary < puts[j].Primary
		}
		return puts[i].Sort < puts[j].Sort
	})
}
