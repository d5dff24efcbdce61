package store

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func rec(primary, sort, body string) Record {
	return Record{Key: Key{Primary: primary, Sort: sort}, Body: []byte(body)}
}

func TestMemoryGetAndQuery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	items := TransactionItems{Puts: []Record{
		rec("graph|org-1", "app|app-1", "a"),
		rec("graph|org-1", "app|app-2", "b"),
		rec("graph|org-1", "orgUser|user-1", "c"),
		rec("graph|org-2", "app|app-9", "d"),
	}}
	if err := m.Transact(ctx, "org-1", items); err != nil {
		t.Fatalf("Transact failed: %v", err)
	}

	got, err := m.Get(ctx, Key{Primary: "graph|org-1", Sort: "app|app-1"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Body) != "a" {
		t.Fatalf("unexpected body: %q", got.Body)
	}
	if _, err := m.Get(ctx, Key{Primary: "graph|org-1", Sort: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	apps, err := m.Query(ctx, Scope{Primary: "graph|org-1", SortPrefix: "app|"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(apps) != 2 || apps[0].Sort != "app|app-1" || apps[1].Sort != "app|app-2" {
		t.Fatalf("unexpected scope result: %v", apps)
	}

	all, err := m.Query(ctx, Scope{Primary: "graph|org-1"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("partition leak: %v", all)
	}
}

func TestMemorySoftDeleteHidesRecords(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := Key{Primary: "graph|org-1", Sort: "invite|inv-1"}

	_ = m.Transact(ctx, "org-1", TransactionItems{Puts: []Record{rec(key.Primary, key.Sort, "x")}})
	_ = m.Transact(ctx, "org-1", TransactionItems{SoftDeleteKeys: []Key{key}})

	if _, err := m.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("soft-deleted record visible via Get: %v", err)
	}
	live, _ := m.Query(ctx, Scope{Primary: key.Primary})
	if len(live) != 0 {
		t.Fatalf("soft-deleted record visible via Query: %v", live)
	}

	all, err := m.QueryIncludingDeleted(ctx, Scope{Primary: key.Primary})
	if err != nil {
		t.Fatalf("QueryIncludingDeleted failed: %v", err)
	}
	if len(all) != 1 || all[0].DeletedAt == nil {
		t.Fatalf("deleted view missing the record: %v", all)
	}

	// Re-putting the key revives it.
	_ = m.Transact(ctx, "org-1", TransactionItems{Puts: []Record{rec(key.Primary, key.Sort, "y")}})
	if _, err := m.Get(ctx, key); err != nil {
		t.Fatalf("revived record not visible: %v", err)
	}
}

func TestMemoryHardDeleteScope(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Transact(ctx, "org-1", TransactionItems{Puts: []Record{
		rec("encryptedBlob|org-1", "app-1|env|env-1|env", "x"),
		rec("encryptedBlob|org-1", "app-1|env|env-1|meta", "y"),
		rec("encryptedBlob|org-1", "app-2|env|env-9|env", "z"),
	}})

	_ = m.Transact(ctx, "org-1", TransactionItems{
		HardDeleteScopes: []Scope{{Primary: "encryptedBlob|org-1", SortPrefix: "app-1|"}},
	})

	left, _ := m.Query(ctx, Scope{Primary: "encryptedBlob|org-1"})
	if len(left) != 1 || left[0].Sort != "app-2|env|env-9|env" {
		t.Fatalf("scope delete wrong records: %v", left)
	}
}

func TestMemoryOrderUpdates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Transact(ctx, "org-1", TransactionItems{Puts: []Record{
		rec("graph|org-1", "appBlock|ab-1", "x"),
	}})
	_ = m.Transact(ctx, "org-1", TransactionItems{
		OrderUpdateScopes: []OrderUpdate{{
			Scope:      Scope{Primary: "graph|org-1", SortPrefix: "appBlock|ab-1"},
			OrderIndex: 7,
		}},
	})
	got, err := m.Get(ctx, Key{Primary: "graph|org-1", Sort: "appBlock|ab-1"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.OrderIndex != 7 {
		t.Fatalf("order index not updated: %d", got.OrderIndex)
	}
}

func TestMemoryQuerySecondary(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	r1 := rec("encryptedBlob|org-1", "app-1|inheritanceOverrides|env-1|env-2|env", "x")
	r1.SecondaryIndex = "inherits|env-2"
	r2 := rec("encryptedBlob|org-1", "app-1|env|env-1|env", "y")
	_ = m.Transact(ctx, "org-1", TransactionItems{Puts: []Record{r1, r2}})

	got, err := m.QuerySecondary(ctx, "encryptedBlob|org-1", "inherits|env-2")
	if err != nil {
		t.Fatalf("QuerySecondary failed: %v", err)
	}
	if len(got) != 1 || got[0].Sort != r1.Sort {
		t.Fatalf("unexpected secondary result: %v", got)
	}
}

func TestOrgLocksSerializePerOrg(t *testing.T) {
	locks := NewOrgLocks()

	unlock := locks.Lock("org-1")

	// A different org's lock is independent; taking it must not block.
	done := make(chan struct{})
	go func() {
		u := locks.Lock("org-2")
		u()
		close(done)
	}()
	<-done

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u := locks.Lock("org-1")
			counter++
			u()
		}()
	}
	unlock()
	wg.Wait()
	if counter != 8 {
		t.Fatalf("lost updates under org lock: %d", counter)
	}
}
