package graph

import (
	"time"

	"github.com/envkey/envkey-sub005/internal/crypt"
)

// Type discriminates graph object variants.
type Type string

const (
	TypeOrg                     Type = "org"
	TypeOrgUser                 Type = "orgUser"
	TypeCliUser                 Type = "cliUser"
	TypeOrgUserDevice           Type = "orgUserDevice"
	TypeInvite                  Type = "invite"
	TypeDeviceGrant             Type = "deviceGrant"
	TypeRecoveryKey             Type = "recoveryKey"
	TypeOrgRole                 Type = "orgRole"
	TypeAppRole                 Type = "appRole"
	TypeEnvironmentRole         Type = "environmentRole"
	TypeAppRoleEnvironmentRole  Type = "appRoleEnvironmentRole"
	TypeIncludedAppRole         Type = "includedAppRole"
	TypeAppUserGrant            Type = "appUserGrant"
	TypeApp                     Type = "app"
	TypeBlock                   Type = "block"
	TypeAppBlock                Type = "appBlock"
	TypeEnvironment             Type = "environment"
	TypeServer                  Type = "server"
	TypeLocalKey                Type = "localKey"
	TypeGeneratedEnvkey         Type = "generatedEnvkey"
	TypePubkeyRevocationRequest Type = "pubkeyRevocationRequest"
	TypeRootPubkeyReplacement   Type = "rootPubkeyReplacement"
)

// OrgPermission is an org-wide capability carried by an OrgRole.
type OrgPermission string

const (
	OrgManageUsers         OrgPermission = "org_manage_users"
	OrgInviteUsers         OrgPermission = "org_invite_users"
	OrgManageDevices       OrgPermission = "org_manage_devices"
	OrgGenerateRecoveryKey OrgPermission = "org_generate_recovery_key"
	OrgManageApps          OrgPermission = "org_manage_apps"
	OrgManageBlocks        OrgPermission = "org_manage_blocks"
	OrgManageRoles         OrgPermission = "org_manage_roles"
	OrgManageCliUsers      OrgPermission = "org_manage_cli_users"
	OrgReadLogs            OrgPermission = "org_read_logs"
	BlocksReadAll          OrgPermission = "blocks_read_all"
	BlocksWriteEnvsAll     OrgPermission = "blocks_write_envs_all"
)

// AppPermission is an app-scoped capability carried by an AppRole.
type AppPermission string

const (
	AppReadOwnLocals          AppPermission = "app_read_own_locals"
	AppReadUserLocals         AppPermission = "app_read_user_locals"
	AppWriteUserLocals        AppPermission = "app_write_user_locals"
	AppReadUserLocalsHistory  AppPermission = "app_read_user_locals_history"
	AppManageEnvironments     AppPermission = "app_manage_environments"
	AppManageServers          AppPermission = "app_manage_servers"
	AppManageLocalKeys        AppPermission = "app_manage_local_keys"
	AppManageUsers            AppPermission = "app_manage_users"
)

// EnvPermission is an environment-scoped capability resolved through the
// app-role x environment-role join.
type EnvPermission string

const (
	EnvRead             EnvPermission = "read"
	EnvWrite            EnvPermission = "write"
	EnvReadMeta         EnvPermission = "read_meta"
	EnvReadInherits     EnvPermission = "read_inherits"
	EnvReadHistory      EnvPermission = "read_history"
	EnvWriteBranches    EnvPermission = "write_branches"
	EnvReadBranches     EnvPermission = "read_branches"
	EnvReadBranchesMeta EnvPermission = "read_branches_meta"
)

// Object is any entity held in an org graph.
type Object interface {
	ObjectID() string
	ObjectType() Type
	ObjectMeta() Meta
}

// Meta carries the identity and lifecycle timestamps common to every graph
// object. Objects are never physically removed on ordinary deletion;
// DeletedAt moves them into the deleted graph view.
type Meta struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

func (m Meta) ObjectID() string  { return m.ID }
func (m Meta) ObjectMeta() Meta  { return m }
func (m Meta) IsDeleted() bool   { return m.DeletedAt != nil }

// Org is the root object of a graph.
type Org struct {
	Meta
	Name          string `json:"name"`
	CreatorID     string `json:"creatorId"`
	CreatorDevice string `json:"creatorDeviceId"`
}

func (Org) ObjectType() Type { return TypeOrg }

// OrgUser is a human member. Permissions flow from OrgRoleID; a deactivated
// or deleted user grants none.
type OrgUser struct {
	Meta
	OrgRoleID        string     `json:"orgRoleId"`
	Email            string     `json:"email"`
	FirstName        string     `json:"firstName"`
	LastName         string     `json:"lastName"`
	InviteAcceptedAt *time.Time `json:"inviteAcceptedAt,omitempty"`
	DeactivatedAt    *time.Time `json:"deactivatedAt,omitempty"`
}

func (OrgUser) ObjectType() Type { return TypeOrgUser }

// CliUser is a non-interactive member with a pubkey bound directly to the
// user rather than to a device.
type CliUser struct {
	Meta
	OrgRoleID     string       `json:"orgRoleId"`
	Name          string       `json:"name"`
	Pubkey        *crypt.Pubkey `json:"pubkey,omitempty"`
	SignedByID    string       `json:"signedById"`
	DeactivatedAt *time.Time   `json:"deactivatedAt,omitempty"`
}

func (CliUser) ObjectType() Type { return TypeCliUser }

// OrgUserDevice binds a pubkey to one of a user's devices. ApprovedByType /
// ApprovedByID name the Invite, DeviceGrant, or RecoveryKey that introduced
// it. IsRoot marks the org creator's original device, which anchors trust
// rather than being vouched for.
type OrgUserDevice struct {
	Meta
	UserID         string       `json:"userId"`
	Name           string       `json:"name"`
	Pubkey         *crypt.Pubkey `json:"pubkey,omitempty"`
	ApprovedByType Type         `json:"approvedByType,omitempty"`
	ApprovedByID   string       `json:"approvedById,omitempty"`
	IsRoot         bool         `json:"isRoot,omitempty"`
	DeactivatedAt  *time.Time   `json:"deactivatedAt,omitempty"`
}

func (OrgUserDevice) ObjectType() Type { return TypeOrgUserDevice }

// Invite is a single-use credential-issuance record carrying the new
// pubkey being introduced and the identity vouching for it.
type Invite struct {
	Meta
	InviteeID  string       `json:"inviteeId"`
	SignedByID string       `json:"signedById"`
	Pubkey     *crypt.Pubkey `json:"pubkey,omitempty"`
	ExpiresAt  time.Time    `json:"expiresAt"`
	AcceptedAt *time.Time   `json:"acceptedAt,omitempty"`
}

func (Invite) ObjectType() Type { return TypeInvite }

// DeviceGrant approves an additional device for an existing user.
type DeviceGrant struct {
	Meta
	GranteeID  string       `json:"granteeId"`
	SignedByID string       `json:"signedById"`
	Pubkey     *crypt.Pubkey `json:"pubkey,omitempty"`
	ExpiresAt  time.Time    `json:"expiresAt"`
	AcceptedAt *time.Time   `json:"acceptedAt,omitempty"`
}

func (DeviceGrant) ObjectType() Type { return TypeDeviceGrant }

// RecoveryKey lets a user re-establish a device after losing all others.
type RecoveryKey struct {
	Meta
	UserID     string       `json:"userId"`
	SignedByID string       `json:"signedById"`
	Pubkey     *crypt.Pubkey `json:"pubkey,omitempty"`
	ExpiresAt  time.Time    `json:"expiresAt"`
	RedeemedAt *time.Time   `json:"redeemedAt,omitempty"`
}

func (RecoveryKey) ObjectType() Type { return TypeRecoveryKey }

// OrgRole grants org-wide permissions. ExtendsRoleID pulls in a base
// role's set before Add/Remove adjustments. CanManage/CanInvite edges must
// be kept acyclic by callers.
type OrgRole struct {
	Meta
	Name                string          `json:"name"`
	Description         string          `json:"description,omitempty"`
	IsDefault           bool            `json:"isDefault,omitempty"`
	ExtendsRoleID       string          `json:"extendsRoleId,omitempty"`
	Permissions         []OrgPermission `json:"permissions,omitempty"`
	AddPermissions      []OrgPermission `json:"addPermissions,omitempty"`
	RemovePermissions   []OrgPermission `json:"removePermissions,omitempty"`
	CanManageOrgRoleIDs []string        `json:"canManageOrgRoleIds,omitempty"`
	CanInviteOrgRoleIDs []string        `json:"canInviteOrgRoleIds,omitempty"`
	AutoAppRoleID       string          `json:"autoAppRoleId,omitempty"`
}

func (OrgRole) ObjectType() Type { return TypeOrgRole }

// AppRole grants app-scoped permissions.
type AppRole struct {
	Meta
	Name                string          `json:"name"`
	Description         string          `json:"description,omitempty"`
	IsDefault           bool            `json:"isDefault,omitempty"`
	ExtendsRoleID       string          `json:"extendsRoleId,omitempty"`
	Permissions         []AppPermission `json:"permissions,omitempty"`
	AddPermissions      []AppPermission `json:"addPermissions,omitempty"`
	RemovePermissions   []AppPermission `json:"removePermissions,omitempty"`
	CanManageAppRoleIDs []string        `json:"canManageAppRoleIds,omitempty"`
	CanInviteAppRoleIDs []string        `json:"canInviteAppRoleIds,omitempty"`
}

func (AppRole) ObjectType() Type { return TypeAppRole }

// EnvironmentRole names a class of environments ("development",
// "production") that app roles hold permissions over.
type EnvironmentRole struct {
	Meta
	Name               string `json:"name"`
	Description        string `json:"description,omitempty"`
	IsDefault          bool   `json:"isDefault,omitempty"`
	HasLocalKeys       bool   `json:"hasLocalKeys,omitempty"`
	HasServers         bool   `json:"hasServers,omitempty"`
	DefaultAllApps     bool   `json:"defaultAllApps,omitempty"`
	DefaultAllBlocks   bool   `json:"defaultAllBlocks,omitempty"`
}

func (EnvironmentRole) ObjectType() Type { return TypeEnvironmentRole }

// AppRoleEnvironmentRole is the join carrying the environment permissions
// an app role holds over an environment role.
type AppRoleEnvironmentRole struct {
	Meta
	AppRoleID         string          `json:"appRoleId"`
	EnvironmentRoleID string          `json:"environmentRoleId"`
	Permissions       []EnvPermission `json:"permissions,omitempty"`
}

func (AppRoleEnvironmentRole) ObjectType() Type { return TypeAppRoleEnvironmentRole }

// IncludedAppRole marks which app roles an environment role applies to by
// default when new apps are created.
type IncludedAppRole struct {
	Meta
	EnvironmentRoleID string `json:"environmentRoleId"`
	AppRoleID         string `json:"appRoleId"`
}

func (IncludedAppRole) ObjectType() Type { return TypeIncludedAppRole }

// AppUserGrant gives a user an explicit app role on one app, overriding the
// org role's AutoAppRoleID default.
type AppUserGrant struct {
	Meta
	AppID     string `json:"appId"`
	UserID    string `json:"userId"`
	AppRoleID string `json:"appRoleId"`
}

func (AppUserGrant) ObjectType() Type { return TypeAppUserGrant }

// App is an env parent.
type App struct {
	Meta
	Name                         string               `json:"name"`
	LocalsReencryptionRequiredAt map[string]time.Time `json:"localsReencryptionRequiredAt,omitempty"`
}

func (App) ObjectType() Type { return TypeApp }

// Block is an env parent whose environments are inherited by connected apps.
type Block struct {
	Meta
	Name                         string               `json:"name"`
	LocalsReencryptionRequiredAt map[string]time.Time `json:"localsReencryptionRequiredAt,omitempty"`
}

func (Block) ObjectType() Type { return TypeBlock }

// AppBlock connects an app to a block with an inheritance ordering.
type AppBlock struct {
	Meta
	AppID      string `json:"appId"`
	BlockID    string `json:"blockId"`
	OrderIndex int    `json:"orderIndex"`
}

func (AppBlock) ObjectType() Type { return TypeAppBlock }

// Environment is a base environment or, with IsSub, a branch of
// ParentEnvironmentID within the same env parent.
type Environment struct {
	Meta
	EnvParentID            string     `json:"envParentId"`
	EnvironmentRoleID      string     `json:"environmentRoleId"`
	IsSub                  bool       `json:"isSub,omitempty"`
	ParentEnvironmentID    string     `json:"parentEnvironmentId,omitempty"`
	SubName                string     `json:"subName,omitempty"`
	ReencryptionRequiredAt *time.Time `json:"reencryptionRequiredAt,omitempty"`
}

func (Environment) ObjectType() Type { return TypeEnvironment }

// Server is a keyable parent bound to one app environment.
type Server struct {
	Meta
	AppID         string `json:"appId"`
	EnvironmentID string `json:"environmentId"`
	Name          string `json:"name"`
}

func (Server) ObjectType() Type { return TypeServer }

// LocalKey is a keyable parent for one user's local development key.
type LocalKey struct {
	Meta
	AppID         string `json:"appId"`
	EnvironmentID string `json:"environmentId"`
	UserID        string `json:"userId"`
	Name          string `json:"name"`
}

func (LocalKey) ObjectType() Type { return TypeLocalKey }

// GeneratedEnvkey is the live credential a keyable parent uses to fetch
// decrypted config. It has its own keypair and receives encrypted key
// material like a device does.
type GeneratedEnvkey struct {
	Meta
	AppID             string       `json:"appId"`
	EnvironmentID     string       `json:"environmentId"`
	KeyableParentID   string       `json:"keyableParentId"`
	KeyableParentType Type         `json:"keyableParentType"`
	Pubkey            *crypt.Pubkey `json:"pubkey,omitempty"`
	EnvkeyShort       string       `json:"envkeyShort"`
	SignedByID        string       `json:"signedById"`
}

func (GeneratedEnvkey) ObjectType() Type { return TypeGeneratedEnvkey }

// PubkeyRevocationRequest ages out a compromised key. ProcessedAtByID
// tracks which devices have acknowledged it.
type PubkeyRevocationRequest struct {
	Meta
	TargetID        string               `json:"targetId"`
	CreatorID       string               `json:"creatorId"`
	ProcessedAtByID map[string]time.Time `json:"processedAtById,omitempty"`
}

func (PubkeyRevocationRequest) ObjectType() Type { return TypePubkeyRevocationRequest }

// RootPubkeyReplacement swaps the trusted root after a creator-device
// compromise. ProcessedAtByID tracks per-device acknowledgment.
type RootPubkeyReplacement struct {
	Meta
	ReplacingDigest string               `json:"replacingDigest"`
	Pubkey          *crypt.Pubkey        `json:"pubkey,omitempty"`
	CreatorDeviceID string               `json:"creatorDeviceId"`
	ProcessedAtByID map[string]time.Time `json:"processedAtById,omitempty"`
}

func (RootPubkeyReplacement) ObjectType() Type { return TypeRootPubkeyReplacement }
