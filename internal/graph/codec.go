package graph

import (
	"encoding/json"
	"fmt"
)

// envelope carries the type tag alongside the object fields so stored
// objects decode back to their concrete variant.
type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Encode serializes an object with its type tag for storage.
func Encode(obj Object) ([]byte, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: obj.ObjectType(), Data: data})
}

// Decode restores an object from its Encode form. Unknown types are an
// error: a graph with unreadable objects must not be silently truncated.
func Decode(raw []byte) (Object, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	obj, err := zeroObject(env.Type)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(env.Data, obj); err != nil {
		return nil, err
	}
	return deref(obj), nil
}

func zeroObject(t Type) (any, error) {
	switch t {
	case TypeOrg:
		return &Org{}, nil
	case TypeOrgUser:
		return &OrgUser{}, nil
	case TypeCliUser:
		return &CliUser{}, nil
	case TypeOrgUserDevice:
		return &OrgUserDevice{}, nil
	case TypeInvite:
		return &Invite{}, nil
	case TypeDeviceGrant:
		return &DeviceGrant{}, nil
	case TypeRecoveryKey:
		return &RecoveryKey{}, nil
	case TypeOrgRole:
		return &OrgRole{}, nil
	case TypeAppRole:
		return &AppRole{}, nil
	case TypeEnvironmentRole:
		return &EnvironmentRole{}, nil
	case TypeAppRoleEnvironmentRole:
		return &AppRoleEnvironmentRole{}, nil
	case TypeIncludedAppRole:
		return &IncludedAppRole{}, nil
	case TypeAppUserGrant:
		return &AppUserGrant{}, nil
	case TypeApp:
		return &App{}, nil
	case TypeBlock:
		return &Block{}, nil
	case TypeAppBlock:
		return &AppBlock{}, nil
	case TypeEnvironment:
		return &Environment{}, nil
	case TypeServer:
		return &Server{}, nil
	case TypeLocalKey:
		return &LocalKey{}, nil
	case TypeGeneratedEnvkey:
		return &GeneratedEnvkey{}, nil
	case TypePubkeyRevocationRequest:
		return &PubkeyRevocationRequest{}, nil
	case TypeRootPubkeyReplacement:
		return &RootPubkeyReplacement{}, nil
	}
	return nil, fmt.Errorf("graph: unknown object type %q", t)
}

func deref(obj any) Object {
	switch o := obj.(type) {
	case *Org:
		return *o
	case *OrgUser:
		return *o
	case *CliUser:
		return *o
	case *OrgUserDevice:
		return *o
	case *Invite:
		return *o
	case *DeviceGrant:
		return *o
	case *RecoveryKey:
		return *o
	case *OrgRole:
		return *o
	case *AppRole:
		return *o
	case *EnvironmentRole:
		return *o
	case *AppRoleEnvironmentRole:
		return *o
	case *IncludedAppRole:
		return *o
	case *AppUserGrant:
		return *o
	case *App:
		return *o
	case *Block:
		return *o
	case *AppBlock:
		return *o
	case *Environment:
		return *o
	case *Server:
		return *o
	case *LocalKey:
		return *o
	case *GeneratedEnvkey:
		return *o
	case *PubkeyRevocationRequest:
		return *o
	case *RootPubkeyReplacement:
		return *o
	}
	return nil
}
