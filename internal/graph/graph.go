package graph

import (
	"sort"
	"sync/atomic"
	"time"
)

// revisionCounter feeds Graph.Revision so memo caches keyed on a revision
// never collide across snapshots, including snapshots of different orgs.
var revisionCounter atomic.Uint64

// Graph is an immutable snapshot of one org's object set. With and Without
// return new snapshots; the original stays valid, so "the graph before" and
// "the graph after" can both be referenced during one authorization pass.
type Graph struct {
	revision uint64
	active   map[string]Object
	deleted  map[string]Object
}

// New builds a snapshot from objects, routing soft-deleted ones into the
// deleted view.
func New(objects ...Object) Graph {
	g := Graph{
		revision: revisionCounter.Add(1),
		active:   make(map[string]Object, len(objects)),
		deleted:  map[string]Object{},
	}
	for _, obj := range objects {
		if obj.ObjectMeta().IsDeleted() {
			g.deleted[obj.ObjectID()] = obj
		} else {
			g.active[obj.ObjectID()] = obj
		}
	}
	return g
}

// Revision identifies this snapshot for memoization.
func (g Graph) Revision() uint64 { return g.revision }

// Len reports the number of active objects.
func (g Graph) Len() int { return len(g.active) }

// Object returns an active object by id.
func (g Graph) Object(id string) (Object, bool) {
	obj, ok := g.active[id]
	return obj, ok
}

// Deleted returns a soft-deleted object by id.
func (g Graph) Deleted(id string) (Object, bool) {
	obj, ok := g.deleted[id]
	return obj, ok
}

// With returns a new snapshot with objects put or replaced. An object
// carrying DeletedAt moves to the deleted view, displacing any active copy.
func (g Graph) With(objects ...Object) Graph {
	next := g.clone()
	for _, obj := range objects {
		id := obj.ObjectID()
		if obj.ObjectMeta().IsDeleted() {
			delete(next.active, id)
			next.deleted[id] = obj
		} else {
			delete(next.deleted, id)
			next.active[id] = obj
		}
	}
	return next
}

// WithSoftDeleted returns a new snapshot with the named active objects
// stamped DeletedAt=now and moved to the deleted view. Unknown ids are
// ignored.
func (g Graph) WithSoftDeleted(now time.Time, ids ...string) Graph {
	next := g.clone()
	for _, id := range ids {
		obj, ok := next.active[id]
		if !ok {
			continue
		}
		delete(next.active, id)
		next.deleted[id] = withDeletedAt(obj, now)
	}
	return next
}

// WithoutHardDeleted returns a new snapshot with the named objects purged
// from both views.
func (g Graph) WithoutHardDeleted(ids ...string) Graph {
	next := g.clone()
	for _, id := range ids {
		delete(next.active, id)
		delete(next.deleted, id)
	}
	return next
}

// All returns active objects sorted by id, for deterministic iteration.
func (g Graph) All() []Object {
	out := make([]Object, 0, len(g.active))
	for _, obj := range g.active {
		out = append(out, obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID() < out[j].ObjectID() })
	return out
}

// AllDeleted returns soft-deleted objects sorted by id.
func (g Graph) AllDeleted() []Object {
	out := make([]Object, 0, len(g.deleted))
	for _, obj := range g.deleted {
		out = append(out, obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID() < out[j].ObjectID() })
	return out
}

func (g Graph) clone() Graph {
	next := Graph{
		revision: revisionCounter.Add(1),
		active:   make(map[string]Object, len(g.active)+1),
		deleted:  make(map[string]Object, len(g.deleted)),
	}
	for id, obj := range g.active {
		next.active[id] = obj
	}
	for id, obj := range g.deleted {
		next.deleted[id] = obj
	}
	return next
}

// MarkDeleted returns a copy of obj stamped with the given deletion time.
// Used when reconstructing a snapshot from storage records, where deletion
// is tracked on the record rather than in the encoded body.
func MarkDeleted(obj Object, ts time.Time) Object {
	return withDeletedAt(obj, ts)
}

// withDeletedAt stamps DeletedAt on a copy of obj. Exhaustive over object
// types so new variants can't silently skip soft deletion.
func withDeletedAt(obj Object, now time.Time) Object {
	ts := now.UTC()
	switch o := obj.(type) {
	case Org:
		o.DeletedAt = &ts
		return o
	case OrgUser:
		o.DeletedAt = &ts
		return o
	case CliUser:
		o.DeletedAt = &ts
		return o
	case OrgUserDevice:
		o.DeletedAt = &ts
		return o
	case Invite:
		o.DeletedAt = &ts
		return o
	case DeviceGrant:
		o.DeletedAt = &ts
		return o
	case RecoveryKey:
		o.DeletedAt = &ts
		return o
	case OrgRole:
		o.DeletedAt = &ts
		return o
	case AppRole:
		o.DeletedAt = &ts
		return o
	case EnvironmentRole:
		o.DeletedAt = &ts
		return o
	case AppRoleEnvironmentRole:
		o.DeletedAt = &ts
		return o
	case IncludedAppRole:
		o.DeletedAt = &ts
		return o
	case AppUserGrant:
		o.DeletedAt = &ts
		return o
	case App:
		o.DeletedAt = &ts
		return o
	case Block:
		o.DeletedAt = &ts
		return o
	case AppBlock:
		o.DeletedAt = &ts
		return o
	case Environment:
		o.DeletedAt = &ts
		return o
	case Server:
		o.DeletedAt = &ts
		return o
	case LocalKey:
		o.DeletedAt = &ts
		return o
	case GeneratedEnvkey:
		o.DeletedAt = &ts
		return o
	case PubkeyRevocationRequest:
		o.DeletedAt = &ts
		return o
	case RootPubkeyReplacement:
		o.DeletedAt = &ts
		return o
	}
	return obj
}
