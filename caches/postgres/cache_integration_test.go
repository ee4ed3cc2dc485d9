//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	assetcache "github.com/dgduncan/go-asset-cache"
	"github.com/dgduncan/go-asset-cache/caches"
)

func setup(t *testing.T) *Storage {
	t.Helper()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		dsn = "postgresql://localhost:5455/postgresDB?user=postgresUser&password=postgresPW&sslmode=disable"
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)

	s, err := New(context.Background(), db)
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = db.Exec("DROP TABLE IF EXISTS asset_cache_items")
		_, _ = db.Exec("DROP TABLE IF EXISTS asset_cache_stores")
		_ = db.Close()
	})

	return s
}

func TestStorageIntegration(t *testing.T) {
	ctx := context.Background()
	s := setup(t)

	for _, name := range []string{"static-v1.0.0", "static-v1.0.1", "other-cache"} {
		c, err := s.Open(ctx, name)
		require.NoError(t, err)
		require.NoError(t, c.Set(ctx, "https://example.com/index.html", &assetcache.CacheItem{URL: name}))
	}

	names, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"other-cache", "static-v1.0.0", "static-v1.0.1"}, names)

	found, err := s.Delete(ctx, "static-v1.0.0")
	require.NoError(t, err)
	assert.True(t, found)

	c, err := s.Open(ctx, "static-v1.0.1")
	require.NoError(t, err)

	item, err := c.Get(ctx, "https://example.com/index.html")
	require.NoError(t, err)
	assert.Equal(t, "static-v1.0.1", item.URL)

	_, err = c.Get(ctx, "https://example.com/missing.css")
	assert.True(t, errors.Is(err, caches.ErrNoCacheItem))
}
