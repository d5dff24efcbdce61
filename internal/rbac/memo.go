package rbac

import (
	"sync"

	"github.com/envkey/envkey-sub005/internal/graph"
)

type memoKey struct {
	revision uint64
	kind     string
	a, b     string
}

// Memo caches permission resolutions per (graph revision, query key). A
// new revision never reuses old entries, so results computed against a
// superseded snapshot can't leak into the next one. Safe for concurrent
// use. Override queries (AccessParams) bypass the cache.
type Memo struct {
	mu      sync.RWMutex
	entries map[memoKey]any
	// retain at most the latest revision seen; permission queries cluster
	// on the current snapshot, so older entries are dead weight.
	latest uint64
}

// NewMemo returns an empty cache.
func NewMemo() *Memo {
	return &Memo{entries: map[memoKey]any{}}
}

// OrgPermissions is a caching wrapper over the pure resolver.
func (m *Memo) OrgPermissions(g graph.Graph, orgRoleID string) Set[graph.OrgPermission] {
	key := memoKey{revision: g.Revision(), kind: "org", a: orgRoleID}
	if v, ok := m.get(key); ok {
		return v.(Set[graph.OrgPermission])
	}
	perms := OrgPermissions(g, orgRoleID)
	m.put(key, perms)
	return perms
}

// AppPermissions is a caching wrapper over the pure resolver.
func (m *Memo) AppPermissions(g graph.Graph, appRoleID string) Set[graph.AppPermission] {
	key := memoKey{revision: g.Revision(), kind: "app", a: appRoleID}
	if v, ok := m.get(key); ok {
		return v.(Set[graph.AppPermission])
	}
	perms := AppPermissions(g, appRoleID)
	m.put(key, perms)
	return perms
}

// EnvironmentPermissions is a caching wrapper over the pure resolver. A
// non-nil override skips the cache entirely.
func (m *Memo) EnvironmentPermissions(g graph.Graph, environmentID, userID string, params *AccessParams) Set[graph.EnvPermission] {
	if params != nil {
		return EnvironmentPermissions(g, environmentID, userID, params)
	}
	key := memoKey{revision: g.Revision(), kind: "env", a: environmentID, b: userID}
	if v, ok := m.get(key); ok {
		return v.(Set[graph.EnvPermission])
	}
	perms := EnvironmentPermissions(g, environmentID, userID, nil)
	m.put(key, perms)
	return perms
}

func (m *Memo) get(key memoKey) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok
}

func (m *Memo) put(key memoKey, v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key.revision > m.latest {
		m.latest = key.revision
		m.entries = map[memoKey]any{}
	} else if key.revision < m.latest {
		return
	}
	m.entries[key] = v
}
