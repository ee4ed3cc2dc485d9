package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	assetcache "github.com/dgduncan/go-asset-cache"
	"github.com/dgduncan/go-asset-cache/caches"
)

var (
	// ErrPingFailed is returned if the initial ping to the database returns an error
	ErrPingFailed = errors.New("ping returned error")
)

var (
	//go:embed create_tables.sql
	queryCreateTables string
	//go:embed insert_store.sql
	queryInsertStore string
	//go:embed list_stores.sql
	queryListStores string
	//go:embed delete_store.sql
	queryDeleteStore string
	//go:embed fetch_by_id.sql
	queryFetchByID string
	//go:embed insert_item.sql
	queryInsertItem string
)

// Storage implements the assetcache.Storage interface using PostgreSQL as the storage
// backend. Store names live in their own table so that empty stores are listed; items
// reference their store and are removed with it.
type Storage struct {
	db *sql.DB

	now func() time.Time
}

// Cache is one named store inside a Storage. It provides thread-safe operations for
// storing and retrieving cached HTTP responses.
type Cache struct {
	db    *sql.DB
	store string

	now func() time.Time
}

// Open registers the store name if it does not exist yet.
func (s *Storage) Open(ctx context.Context, name string) (assetcache.Cache, error) {
	if _, err := s.db.ExecContext(ctx, queryInsertStore, name, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("create store %s: %w", name, err)
	}
	return &Cache{db: s.db, store: name, now: s.now}, nil
}

func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, queryListStores)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Delete removes the store; its items go with it through the cascading foreign key.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, queryDeleteStore, name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get retrieves a cache item from PostgreSQL by its key.
// Returns caches.ErrNoCacheItem if the item doesn't exist.
func (p *Cache) Get(ctx context.Context, k string) (*assetcache.CacheItem, error) {
	stmt, err := p.db.PrepareContext(ctx, queryFetchByID)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	var response []byte
	if err := stmt.QueryRowContext(ctx, p.store, k).Scan(&response); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, caches.ErrNoCacheItem
		}
		return nil, err
	}

	var item assetcache.CacheItem
	if err := caches.GobDecode(response, &item); err != nil {
		return nil, err
	}

	return &item, nil
}

// Set stores a cache item in PostgreSQL under the provided key, replacing any existing
// one. It handles the serialization of the cache item using gob encoding and returns
// caches.ErrStoreMissing if the store has been deleted in the meantime.
func (p *Cache) Set(ctx context.Context, k string, v *assetcache.CacheItem) error {
	stmt, err := p.db.PrepareContext(ctx, queryInsertItem)
	if err != nil {
		return err
	}
	defer stmt.Close()

	b, err := caches.GobEncode(v)
	if err != nil {
		return err
	}

	res, err := stmt.ExecContext(ctx, p.store, k, b, p.now().UTC())
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

func createTables(ctx context.Context, db *sql.DB) error {
	// multiple statements need the simple query protocol, so no prepare here
	_, err := db.ExecContext(ctx, queryCreateTables)
	return err
}

// New creates a new PostgreSQL storage. It verifies the database connection and
// creates the necessary table structure.
//
// Returns an error if:
// - The database handle is nil
// - The database connection test fails
// - Table creation fails
func New(ctx context.Context, db *sql.DB) (*Storage, error) {
	if db == nil {
		return nil, caches.ValidationError{
			Reason: "nil db",
		}
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(ErrPingFailed, err)
	}

	if err := createTables(ctx, db); err != nil {
		return nil, err
	}

	return &Storage{
		db: db,

		now: time.Now,
	}, nil
}
