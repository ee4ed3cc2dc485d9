// Package sqlite provides a file-backed Storage on SQLite, so stored responses survive
// process restarts.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	assetcache "github.com/dgduncan/go-asset-cache"
	"github.com/dgduncan/go-asset-cache/caches"
)

var (
	//go:embed create_tables.sql
	queryCreateTables string
	//go:embed insert_store.sql
	queryInsertStore string
	//go:embed list_stores.sql
	queryListStores string
	//go:embed delete_items.sql
	queryDeleteItems string
	//go:embed delete_store.sql
	queryDeleteStore string
	//go:embed fetch_item.sql
	queryFetchItem string
	//go:embed upsert_item.sql
	queryUpsertItem string
)

// Storage implements assetcache.Storage on a SQLite database.
type Storage struct {
	db *sql.DB

	now func() time.Time
}

// Cache is one named store inside a Storage.
type Cache struct {
	db    *sql.DB
	store string

	now func() time.Time
}

// Open opens (creating if needed) the SQLite file at path and prepares the tables.
func Open(ctx context.Context, path string) (*Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, caches.ValidationError{Reason: "empty sqlite path"}
	}

	db, err := sql.Open("sqlite", filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	s, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New prepares the tables on an already opened database. The pool is limited to a
// single connection, SQLite serializes writers anyway.
func New(ctx context.Context, db *sql.DB) (*Storage, error) {
	if db == nil {
		return nil, caches.ValidationError{Reason: "nil db"}
	}

	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := db.ExecContext(ctx, queryCreateTables); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Storage{db: db, now: time.Now}, nil
}

// Close closes the database handle.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Storage) Open(ctx context.Context, name string) (assetcache.Cache, error) {
	if _, err := s.db.ExecContext(ctx, queryInsertStore, name, s.now().UTC().UnixMilli()); err != nil {
		return nil, fmt.Errorf("create store %s: %w", name, err)
	}
	return &Cache{db: s.db, store: name, now: s.now}, nil
}

func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, queryListStores)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan store name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, queryDeleteItems, name); err != nil {
		return false, fmt.Errorf("delete items of %s: %w", name, err)
	}

	res, err := tx.ExecContext(ctx, queryDeleteStore, name)
	if err != nil {
		return false, fmt.Errorf("delete store %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}
	return n > 0, nil
}

// Get returns caches.ErrNoCacheItem when the key is not stored.
func (c *Cache) Get(ctx context.Context, k string) (*assetcache.CacheItem, error) {
	var blob []byte
	err := c.db.QueryRowContext(ctx, queryFetchItem, c.store, k).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, caches.ErrNoCacheItem
	}
	if err != nil {
		return nil, err
	}

	var item assetcache.CacheItem
	if err := caches.GobDecode(blob, &item); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	return &item, nil
}

// Set overwrites the item for k. It returns caches.ErrStoreMissing when the store was
// deleted after it was opened.
func (c *Cache) Set(ctx context.Context, k string, v *assetcache.CacheItem) error {
	blob, err := caches.GobEncode(v)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}

	res, err := c.db.ExecContext(ctx, queryUpsertItem, c.store, k, blob, c.now().UTC().UnixMilli())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return caches.ErrStoreMissing
	}
	return nil
}
