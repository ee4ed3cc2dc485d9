package assetcache

import (
	"context"
	"time"
)

// CacheItem is a stored response. Response holds the response in wire format, status
// line, headers and body, as produced by httputil.DumpResponse.
type CacheItem struct {
	URL          string
	ETAG         string
	LastModified *time.Time
	Response     []byte
	StoredAt     time.Time
}

// Cache is one named store of request key to response pairs. Set overwrites any
// existing item for the key.
type Cache interface {
	Get(ctx context.Context, k string) (*CacheItem, error)
	Set(ctx context.Context, k string, v *CacheItem) error
}

// Storage holds every named Cache. Open creates the store when it is absent, Keys lists
// the names of existing stores and Delete removes a store with all of its items,
// reporting whether it existed.
type Storage interface {
	Open(ctx context.Context, name string) (Cache, error)
	Keys(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) (bool, error)
}
