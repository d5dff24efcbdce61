package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/envkey/envkey-sub005/internal/store"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestGetNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select secondary_index, tertiary_index").
		WithArgs("graph|org-1", "app|app-1").
		WillReturnRows(sqlmock.NewRows([]string{"secondary_index", "tertiary_index", "order_index", "body", "updated_at"}))

	_, err := s.Get(context.Background(), store.Key{Primary: "graph|org-1", Sort: "app|app-1"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetReturnsRecord(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"secondary_index", "tertiary_index", "order_index", "body", "updated_at"}).
		AddRow("inherits|env-2", nil, 0, []byte("payload"), now)
	mock.ExpectQuery("select secondary_index, tertiary_index").
		WithArgs("encryptedBlob|org-1", "app-1|inheritanceOverrides|env-1|env-2|env").
		WillReturnRows(rows)

	rec, err := s.Get(context.Background(), store.Key{
		Primary: "encryptedBlob|org-1",
		Sort:    "app-1|inheritanceOverrides|env-1|env-2|env",
	})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.SecondaryIndex != "inherits|env-2" || string(rec.Body) != "payload" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestQueryUsesEscapedPrefix(t *testing.T) {
	s, mock := newMock(t)
	rows := sqlmock.NewRows([]string{"sort_key", "secondary_index", "tertiary_index", "order_index", "body", "updated_at"}).
		AddRow("app_1|env|env-1|env", nil, nil, 0, []byte("x"), time.Now().UTC())
	mock.ExpectQuery("select sort_key, secondary_index").
		WithArgs("encryptedBlob|org-1", `app\_1|%`).
		WillReturnRows(rows)

	got, err := s.Query(context.Background(), store.Scope{
		Primary:    "encryptedBlob|org-1",
		SortPrefix: "app_1|",
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 1 || got[0].Sort != "app_1|env|env-1|env" {
		t.Fatalf("unexpected result: %v", got)
	}
}

func TestTransactCommitsAllItems(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into encrypted_items").
		WithArgs("org-1", "graph|org-1", "app|app-1", "", "", 0, []byte("body")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update encrypted_items set deleted_at=now").
		WithArgs("graph|org-1", "invite|inv-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from encrypted_items where primary_key=.1 and sort_key=.2").
		WithArgs("encryptedKey|org-1|user-2|device-2", "app-1|env|env-1|env").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from encrypted_items where primary_key=.1 and sort_key like").
		WithArgs("encryptedBlob|org-1", "app-1|%").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("update encrypted_items set order_index").
		WithArgs("graph|org-1", "appBlock|ab-1%", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	items := store.TransactionItems{
		Puts: []store.Record{{
			Key:  store.Key{Primary: "graph|org-1", Sort: "app|app-1"},
			Body: []byte("body"),
		}},
		SoftDeleteKeys: []store.Key{{Primary: "graph|org-1", Sort: "invite|inv-1"}},
		HardDeleteKeys: []store.Key{{Primary: "encryptedKey|org-1|user-2|device-2", Sort: "app-1|env|env-1|env"}},
		HardDeleteScopes: []store.Scope{{Primary: "encryptedBlob|org-1", SortPrefix: "app-1|"}},
		OrderUpdateScopes: []store.OrderUpdate{{
			Scope:      store.Scope{Primary: "graph|org-1", SortPrefix: "appBlock|ab-1"},
			OrderIndex: 3,
		}},
	}
	if err := s.Transact(context.Background(), "org-1", items); err != nil {
		t.Fatalf("Transact failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransactRollsBackOnFailure(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into encrypted_items").
		WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	items := store.TransactionItems{
		Puts: []store.Record{{Key: store.Key{Primary: "graph|org-1", Sort: "app|app-1"}}},
	}
	if err := s.Transact(context.Background(), "org-1", items); err == nil {
		t.Fatal("expected error from failed put")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransactEmptyIsNoOp(t *testing.T) {
	s, mock := newMock(t)
	if err := s.Transact(context.Background(), "org-1", store.TransactionItems{}); err != nil {
		t.Fatalf("empty transact failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected statements: %v", err)
	}
}

func TestLikePrefix(t *testing.T) {
	cases := map[string]string{
		"app-1|":   "app-1|%",
		"a_b":      `a\_b%`,
		"a%b":      `a\%b%`,
		`a\b`:      `a\\b%`,
		"":         "%",
	}
	for in, want := range cases {
		if got := likePrefix(in); got != want {
			t.Fatalf("likePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}
