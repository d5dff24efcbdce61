// Package store defines the graph-store contract the authorization core
// persists through: point reads, prefix-scoped queries, and multi-item
// transactional writes scoped to one org.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound covers missing, soft-deleted, and unauthorized records
// alike; callers cannot distinguish them.
var ErrNotFound = errors.New("store: not found")

// Key is a composite primary/sort storage key.
type Key struct {
	Primary string
	Sort    string
}

// Record is one stored item. SecondaryIndex and TertiaryIndex are optional
// reverse-lookup keys; OrderIndex supports ordered scopes (e.g. app-block
// connections).
type Record struct {
	Key
	SecondaryIndex string
	TertiaryIndex  string
	OrderIndex     int
	Body           []byte
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

// Scope selects all records under a primary key whose sort key has the
// given prefix. An empty prefix selects the whole partition.
type Scope struct {
	Primary    string
	SortPrefix string
}

// OrderUpdate rewrites the order index of every record in a scope.
type OrderUpdate struct {
	Scope
	OrderIndex int
}

// TransactionItems is the full write set of one graph action. It commits
// atomically or not at all.
type TransactionItems struct {
	Puts              []Record
	SoftDeleteKeys    []Key
	HardDeleteKeys    []Key
	HardDeleteScopes  []Scope
	OrderUpdateScopes []OrderUpdate
}

// Empty reports whether the transaction would write nothing.
func (t TransactionItems) Empty() bool {
	return len(t.Puts) == 0 &&
		len(t.SoftDeleteKeys) == 0 &&
		len(t.HardDeleteKeys) == 0 &&
		len(t.HardDeleteScopes) == 0 &&
		len(t.OrderUpdateScopes) == 0
}

// Store is the persistence contract. Get and Query see only live records;
// soft-deleted ones are invisible until hard-deleted.
type Store interface {
	Get(ctx context.Context, key Key) (Record, error)
	Query(ctx context.Context, scope Scope) ([]Record, error)
	Transact(ctx context.Context, orgID string, items TransactionItems) error
}

// DeletedQuerier is implemented by stores that can also return soft-deleted
// records. Graph reconstruction needs the deleted view: soft-deleted
// invites and grants still vouch for the devices they approved.
type DeletedQuerier interface {
	QueryIncludingDeleted(ctx context.Context, scope Scope) ([]Record, error)
}
