// Package blob derives the deterministic storage addresses of encrypted
// per-user keys and shared ciphertext blobs, computes explicit hard-delete
// sets, and flags scopes whose ciphertext has gone stale relative to
// current membership. It never performs encryption or rotation itself.
package blob

import "strings"

// EnvType splits ciphertext by the kind of scope it belongs to.
type EnvType string

const (
	EnvTypeEnv                  EnvType = "env"
	EnvTypeSubEnv               EnvType = "subEnv"
	EnvTypeInheritanceOverrides EnvType = "inheritanceOverrides"
	EnvTypeLocalOverrides       EnvType = "localOverrides"
	EnvTypeChangeset            EnvType = "changeset"
)

// EnvPart splits a scope's ciphertext into its independently readable
// parts.
type EnvPart string

const (
	EnvPartEnv      EnvPart = "env"
	EnvPartMeta     EnvPart = "meta"
	EnvPartInherits EnvPart = "inherits"
)

const sep = "|"

// Address is a composite storage location. SecondaryIndex and
// TertiaryIndex are populated only for the inheritanceOverrides,
// localOverrides, and locals-changeset variants, supporting reverse
// lookups.
type Address struct {
	PrimaryKey     string
	SortKey        string
	SecondaryIndex string
	TertiaryIndex  string
}

// UserEncryptedKeyParams identifies one per-user/per-device encrypted
// symmetric key. Exactly one address exists per distinct scope.
type UserEncryptedKeyParams struct {
	OrgID                 string
	UserID                string
	DeviceID              string
	EnvParentID           string
	EnvironmentID         string
	InheritsEnvironmentID string
	LocalsUserID          string
	EnvType               EnvType
	EnvPart               EnvPart
}

// UserEncryptedKeyAddress derives the storage address for params. Returns
// ok=false when a field required by the variant is missing; it never
// guesses.
func UserEncryptedKeyAddress(p UserEncryptedKeyParams) (Address, bool) {
	if p.OrgID == "" || p.UserID == "" || p.DeviceID == "" {
		return Address{}, false
	}
	sort, secondary, tertiary, ok := sortKeyFor(p.EnvParentID, p.EnvironmentID, p.InheritsEnvironmentID, p.LocalsUserID, p.EnvType, p.EnvPart)
	if !ok {
		return Address{}, false
	}
	return Address{
		PrimaryKey:     strings.Join([]string{"encryptedKey", p.OrgID, p.UserID, p.DeviceID}, sep),
		SortKey:        sort,
		SecondaryIndex: secondary,
		TertiaryIndex:  tertiary,
	}, true
}

// EncryptedBlobParams identifies one shared ciphertext blob. The blob is
// written once per scope; many user keys wrap its symmetric key.
type EncryptedBlobParams struct {
	OrgID                 string
	EnvParentID           string
	EnvironmentID         string
	InheritsEnvironmentID string
	LocalsUserID          string
	EnvType               EnvType
	EnvPart               EnvPart
}

// EncryptedBlobAddress derives the storage address for a shared blob.
func EncryptedBlobAddress(p EncryptedBlobParams) (Address, bool) {
	if p.OrgID == "" {
		return Address{}, false
	}
	sort, secondary, tertiary, ok := sortKeyFor(p.EnvParentID, p.EnvironmentID, p.InheritsEnvironmentID, p.LocalsUserID, p.EnvType, p.EnvPart)
	if !ok {
		return Address{}, false
	}
	return Address{
		PrimaryKey:     strings.Join([]string{"encryptedBlob", p.OrgID}, sep),
		SortKey:        sort,
		SecondaryIndex: secondary,
		TertiaryIndex:  tertiary,
	}, true
}

// sortKeyFor encodes the scope into a composite sort key. Each variant has
// a fixed segment layout so the key parses back losslessly.
func sortKeyFor(envParentID, environmentID, inheritsEnvironmentID, localsUserID string, envType EnvType, envPart EnvPart) (sort, secondary, tertiary string, ok bool) {
	if envParentID == "" {
		return "", "", "", false
	}
	switch envType {
	case EnvTypeEnv, EnvTypeSubEnv:
		if environmentID == "" || envPart == "" {
			return "", "", "", false
		}
		return strings.Join([]string{envParentID, string(envType), environmentID, string(envPart)}, sep), "", "", true
	case EnvTypeChangeset:
		if envPart == "" {
			return "", "", "", false
		}
		// Changesets track either an environment or one user's locals;
		// the locals form gets a marker segment so the two never collide.
		if localsUserID != "" {
			if environmentID != "" {
				return "", "", "", false
			}
			sort = strings.Join([]string{envParentID, string(envType), "locals", localsUserID, string(envPart)}, sep)
			secondary = strings.Join([]string{"locals", localsUserID}, sep)
			return sort, secondary, "", true
		}
		if environmentID == "" {
			return "", "", "", false
		}
		return strings.Join([]string{envParentID, string(envType), environmentID, string(envPart)}, sep), "", "", true
	case EnvTypeInheritanceOverrides:
		if environmentID == "" || inheritsEnvironmentID == "" || envPart == "" {
			return "", "", "", false
		}
		sort = strings.Join([]string{envParentID, string(envType), environmentID, inheritsEnvironmentID, string(envPart)}, sep)
		secondary = strings.Join([]string{"inherits", inheritsEnvironmentID}, sep)
		return sort, secondary, "", true
	case EnvTypeLocalOverrides:
		if localsUserID == "" || envPart == "" {
			return "", "", "", false
		}
		sort = strings.Join([]string{envParentID, string(envType), localsUserID, string(envPart)}, sep)
		secondary = strings.Join([]string{"locals", localsUserID}, sep)
		tertiary = strings.Join([]string{"localsParent", envParentID}, sep)
		return sort, secondary, tertiary, true
	}
	return "", "", "", false
}

// ScopeParams are the fields recoverable from a sort key.
type ScopeParams struct {
	EnvParentID           string
	EnvironmentID         string
	InheritsEnvironmentID string
	LocalsUserID          string
	EnvType               EnvType
	EnvPart               EnvPart
}

// ParseSortKey recovers the scope encoded by sortKeyFor. Addressing is
// injective per distinct scope, so this inverts it exactly.
func ParseSortKey(sortKey string) (ScopeParams, bool) {
	segs := strings.Split(sortKey, sep)
	if len(segs) < 4 {
		return ScopeParams{}, false
	}
	p := ScopeParams{EnvParentID: segs[0], EnvType: EnvType(segs[1])}
	switch p.EnvType {
	case EnvTypeEnv, EnvTypeSubEnv:
		if len(segs) != 4 {
			return ScopeParams{}, false
		}
		p.EnvironmentID = segs[2]
		p.EnvPart = EnvPart(segs[3])
	case EnvTypeChangeset:
		switch {
		case len(segs) == 5 && segs[2] == "locals":
			p.LocalsUserID = segs[3]
			p.EnvPart = EnvPart(segs[4])
		case len(segs) == 4:
			p.EnvironmentID = segs[2]
			p.EnvPart = EnvPart(segs[3])
		default:
			return ScopeParams{}, false
		}
	case EnvTypeInheritanceOverrides:
		if len(segs) != 5 {
			return ScopeParams{}, false
		}
		p.EnvironmentID = segs[2]
		p.InheritsEnvironmentID = segs[3]
		p.EnvPart = EnvPart(segs[4])
	case EnvTypeLocalOverrides:
		if len(segs) != 4 {
			return ScopeParams{}, false
		}
		p.LocalsUserID = segs[2]
		p.EnvPart = EnvPart(segs[3])
	default:
		return ScopeParams{}, false
	}
	switch p.EnvPart {
	case EnvPartEnv, EnvPartMeta, EnvPartInherits:
		return p, true
	}
	return ScopeParams{}, false
}

// KeySet names ciphertext to hard-delete. Every deletable record must be
// listed explicitly; nothing is inferred.
type KeySet struct {
	UserKeys []UserEncryptedKeyParams
	Blobs    []EncryptedBlobParams
}

// HardDeleteAddresses emits the minimal address set for a KeySet. Entries
// that fail to address (missing fields) are dropped rather than guessed at.
func HardDeleteAddresses(ks KeySet) []Address {
	out := make([]Address, 0, len(ks.UserKeys)+len(ks.Blobs))
	for _, p := range ks.UserKeys {
		if addr, ok := UserEncryptedKeyAddress(p); ok {
			out = append(out, addr)
		}
	}
	for _, p := range ks.Blobs {
		if addr, ok := EncryptedBlobAddress(p); ok {
			out = append(out, addr)
		}
	}
	return out
}
