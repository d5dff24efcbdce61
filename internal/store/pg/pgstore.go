// Package pg is the postgres graph store. Records live in one
// composite-keyed table; a Transact call maps to a single SQL transaction.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/envkey/envkey-sub005/internal/store"
)

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Get(ctx context.Context, key store.Key) (store.Record, error) {
	rec := store.Record{Key: key}
	var secondary, tertiary sql.NullString
	err := s.db.QueryRowContext(ctx, `
		select secondary_index, tertiary_index, order_index, body, updated_at
		from encrypted_items
		where primary_key=$1 and sort_key=$2 and deleted_at is null
	`, key.Primary, key.Sort).Scan(&secondary, &tertiary, &rec.OrderIndex, &rec.Body, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, err
	}
	if secondary.Valid {
		rec.SecondaryIndex = secondary.String
	}
	if tertiary.Valid {
		rec.TertiaryIndex = tertiary.String
	}
	return rec, nil
}

func (s *Store) Query(ctx context.Context, scope store.Scope) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		select sort_key, secondary_index, tertiary_index, order_index, body, updated_at
		from encrypted_items
		where primary_key=$1 and sort_key like $2 and deleted_at is null
		order by sort_key
	`, scope.Primary, likePrefix(scope.SortPrefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		rec := store.Record{Key: store.Key{Primary: scope.Primary}}
		var secondary, tertiary sql.NullString
		if err := rows.Scan(&rec.Sort, &secondary, &tertiary, &rec.OrderIndex, &rec.Body, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if secondary.Valid {
			rec.SecondaryIndex = secondary.String
		}
		if tertiary.Valid {
			rec.TertiaryIndex = tertiary.String
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// QueryIncludingDeleted returns both live and soft-deleted records under
// the scope, for graph reconstruction.
func (s *Store) QueryIncludingDeleted(ctx context.Context, scope store.Scope) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		select sort_key, secondary_index, tertiary_index, order_index, body, updated_at, deleted_at
		from encrypted_items
		where primary_key=$1 and sort_key like $2
		order by sort_key
	`, scope.Primary, likePrefix(scope.SortPrefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		rec := store.Record{Key: store.Key{Primary: scope.Primary}}
		var secondary, tertiary sql.NullString
		var deleted sql.NullTime
		if err := rows.Scan(&rec.Sort, &secondary, &tertiary, &rec.OrderIndex, &rec.Body, &rec.UpdatedAt, &deleted); err != nil {
			return nil, err
		}
		if secondary.Valid {
			rec.SecondaryIndex = secondary.String
		}
		if tertiary.Valid {
			rec.TertiaryIndex = tertiary.String
		}
		if deleted.Valid {
			ts := deleted.Time
			rec.DeletedAt = &ts
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// QuerySecondary serves the reverse lookups the override variants carry a
// secondary index for.
func (s *Store) QuerySecondary(ctx context.Context, primary, secondaryIndex string) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		select sort_key, tertiary_index, order_index, body, updated_at
		from encrypted_items
		where primary_key=$1 and secondary_index=$2 and deleted_at is null
		order by sort_key
	`, primary, secondaryIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		rec := store.Record{Key: store.Key{Primary: primary}, SecondaryIndex: secondaryIndex}
		var tertiary sql.NullString
		if err := rows.Scan(&rec.Sort, &tertiary, &rec.OrderIndex, &rec.Body, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if tertiary.Valid {
			rec.TertiaryIndex = tertiary.String
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Transact commits the whole item set atomically. The caller holds the
// org's lock; the serializable isolation level is the backstop against
// writers that don't.
func (s *Store) Transact(ctx context.Context, orgID string, items store.TransactionItems) error {
	if items.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range items.Puts {
		if _, err := tx.ExecContext(ctx, `
			insert into encrypted_items(org_id, primary_key, sort_key, secondary_index, tertiary_index, order_index, body, updated_at, deleted_at)
			values ($1,$2,$3,nullif($4,''),nullif($5,''),$6,$7,now(),null)
			on conflict (primary_key, sort_key) do update
			set secondary_index=excluded.secondary_index,
			    tertiary_index=excluded.tertiary_index,
			    order_index=excluded.order_index,
			    body=excluded.body,
			    updated_at=now(),
			    deleted_at=null
		`, orgID, rec.Primary, rec.Sort, rec.SecondaryIndex, rec.TertiaryIndex, rec.OrderIndex, rec.Body); err != nil {
			return err
		}
	}
	for _, key := range items.SoftDeleteKeys {
		if _, err := tx.ExecContext(ctx, `
			update encrypted_items set deleted_at=now()
			where primary_key=$1 and sort_key=$2 and deleted_at is null
		`, key.Primary, key.Sort); err != nil {
			return err
		}
	}
	for _, key := range items.HardDeleteKeys {
		if _, err := tx.ExecContext(ctx, `
			delete from encrypted_items where primary_key=$1 and sort_key=$2
		`, key.Primary, key.Sort); err != nil {
			return err
		}
	}
	for _, scope := range items.HardDeleteScopes {
		if _, err := tx.ExecContext(ctx, `
			delete from encrypted_items where primary_key=$1 and sort_key like $2
		`, scope.Primary, likePrefix(scope.SortPrefix)); err != nil {
			return err
		}
	}
	for _, upd := range items.OrderUpdateScopes {
		if _, err := tx.ExecContext(ctx, `
			update encrypted_items set order_index=$3, updated_at=now()
			where primary_key=$1 and sort_key like $2 and deleted_at is null
		`, upd.Primary, likePrefix(upd.SortPrefix), upd.OrderIndex); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// likePrefix escapes the like metacharacters in a sort-key prefix. Sort
// keys use "|" separators, but ids could in principle carry "%" or "_".
func likePrefix(prefix string) string {
	escaped := make([]byte, 0, len(prefix)+8)
	for i := 0; i < len(prefix); i++ {
		switch prefix[i] {
		case '%', '_', '\\':
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, prefix[i])
	}
	return string(escaped) + "%"
}
