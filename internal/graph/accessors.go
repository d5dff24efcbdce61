package graph

import "sort"

// Typed accessors. All of them return the zero value with ok=false when the
// id is missing, deleted, or of another type; none panic. Callers treat a
// miss the same as "not found", never as an error.

func (g Graph) Org() (Org, bool) {
	for _, obj := range g.active {
		if o, ok := obj.(Org); ok {
			return o, true
		}
	}
	return Org{}, false
}

func (g Graph) OrgUser(id string) (OrgUser, bool) {
	o, ok := g.active[id].(OrgUser)
	return o, ok
}

// ActiveOrgUser additionally requires the user not be deactivated. A
// deactivated user grants no permissions.
func (g Graph) ActiveOrgUser(id string) (OrgUser, bool) {
	o, ok := g.OrgUser(id)
	if !ok || o.DeactivatedAt != nil {
		return OrgUser{}, false
	}
	return o, true
}

func (g Graph) CliUser(id string) (CliUser, bool) {
	o, ok := g.active[id].(CliUser)
	return o, ok
}

func (g Graph) ActiveCliUser(id string) (CliUser, bool) {
	o, ok := g.CliUser(id)
	if !ok || o.DeactivatedAt != nil {
		return CliUser{}, false
	}
	return o, true
}

func (g Graph) Device(id string) (OrgUserDevice, bool) {
	o, ok := g.active[id].(OrgUserDevice)
	return o, ok
}

func (g Graph) ActiveDevice(id string) (OrgUserDevice, bool) {
	o, ok := g.Device(id)
	if !ok || o.DeactivatedAt != nil {
		return OrgUserDevice{}, false
	}
	return o, true
}

func (g Graph) Invite(id string) (Invite, bool) {
	o, ok := g.active[id].(Invite)
	return o, ok
}

func (g Graph) DeviceGrant(id string) (DeviceGrant, bool) {
	o, ok := g.active[id].(DeviceGrant)
	return o, ok
}

func (g Graph) RecoveryKey(id string) (RecoveryKey, bool) {
	o, ok := g.active[id].(RecoveryKey)
	return o, ok
}

func (g Graph) OrgRole(id string) (OrgRole, bool) {
	o, ok := g.active[id].(OrgRole)
	return o, ok
}

func (g Graph) AppRole(id string) (AppRole, bool) {
	o, ok := g.active[id].(AppRole)
	return o, ok
}

func (g Graph) EnvironmentRole(id string) (EnvironmentRole, bool) {
	o, ok := g.active[id].(EnvironmentRole)
	return o, ok
}

func (g Graph) App(id string) (App, bool) {
	o, ok := g.active[id].(App)
	return o, ok
}

func (g Graph) Block(id string) (Block, bool) {
	o, ok := g.active[id].(Block)
	return o, ok
}

func (g Graph) Environment(id string) (Environment, bool) {
	o, ok := g.active[id].(Environment)
	return o, ok
}

func (g Graph) Server(id string) (Server, bool) {
	o, ok := g.active[id].(Server)
	return o, ok
}

func (g Graph) LocalKey(id string) (LocalKey, bool) {
	o, ok := g.active[id].(LocalKey)
	return o, ok
}

func (g Graph) GeneratedEnvkey(id string) (GeneratedEnvkey, bool) {
	o, ok := g.active[id].(GeneratedEnvkey)
	return o, ok
}

// EnvParent resolves an App or Block by id; typ reports which.
func (g Graph) EnvParent(id string) (Object, Type, bool) {
	switch o := g.active[id].(type) {
	case App:
		return o, TypeApp, true
	case Block:
		return o, TypeBlock, true
	}
	return nil, "", false
}

// JoinPermissions returns the environment permissions the join table grants
// the (appRoleID, environmentRoleID) pairing.
func (g Graph) JoinPermissions(appRoleID, environmentRoleID string) ([]EnvPermission, bool) {
	for _, obj := range g.active {
		j, ok := obj.(AppRoleEnvironmentRole)
		if !ok {
			continue
		}
		if j.AppRoleID == appRoleID && j.EnvironmentRoleID == environmentRoleID {
			return j.Permissions, true
		}
	}
	return nil, false
}

// AppUserGrantFor returns the explicit app role grant for (appID, userID).
func (g Graph) AppUserGrantFor(appID, userID string) (AppUserGrant, bool) {
	for _, obj := range g.active {
		gr, ok := obj.(AppUserGrant)
		if !ok {
			continue
		}
		if gr.AppID == appID && gr.UserID == userID {
			return gr, true
		}
	}
	return AppUserGrant{}, false
}

// Environments returns all active environments sorted by id.
func (g Graph) Environments() []Environment {
	var out []Environment
	for _, obj := range g.active {
		if e, ok := obj.(Environment); ok {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EnvironmentsForParent returns the active environments of one env parent.
func (g Graph) EnvironmentsForParent(envParentID string) []Environment {
	var out []Environment
	for _, e := range g.Environments() {
		if e.EnvParentID == envParentID {
			out = append(out, e)
		}
	}
	return out
}

// EnvParents returns all active apps and blocks sorted by id.
func (g Graph) EnvParents() []Object {
	var out []Object
	for _, obj := range g.active {
		switch obj.(type) {
		case App, Block:
			out = append(out, obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID() < out[j].ObjectID() })
	return out
}

// Users returns all active org users and CLI users sorted by id.
func (g Graph) Users() []Object {
	var out []Object
	for _, obj := range g.active {
		switch obj.(type) {
		case OrgUser, CliUser:
			out = append(out, obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID() < out[j].ObjectID() })
	return out
}

// DevicesForUser returns a user's active, non-deactivated devices.
func (g Graph) DevicesForUser(userID string) []OrgUserDevice {
	var out []OrgUserDevice
	for _, obj := range g.active {
		d, ok := obj.(OrgUserDevice)
		if !ok || d.UserID != userID || d.DeactivatedAt != nil {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AppBlocksForApp returns an app's block connections in inheritance order.
func (g Graph) AppBlocksForApp(appID string) []AppBlock {
	var out []AppBlock
	for _, obj := range g.active {
		ab, ok := obj.(AppBlock)
		if !ok || ab.AppID != appID {
			continue
		}
		out = append(out, ab)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderIndex != out[j].OrderIndex {
			return out[i].OrderIndex < out[j].OrderIndex
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// BaseEnvironment resolves an environment's base: itself when it is not a
// branch, otherwise its live parent.
func (g Graph) BaseEnvironment(id string) (Environment, bool) {
	env, ok := g.Environment(id)
	if !ok {
		return Environment{}, false
	}
	if !env.IsSub {
		return env, true
	}
	parent, ok := g.Environment(env.ParentEnvironmentID)
	if !ok || parent.EnvParentID != env.EnvParentID {
		return Environment{}, false
	}
	return parent, true
}
