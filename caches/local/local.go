package local

import (
	"context"
	"sort"
	"sync"

	assetcache "github.com/dgduncan/go-asset-cache"
	"github.com/dgduncan/go-asset-cache/caches"
)

type BasicCache struct {
	cache map[string]*assetcache.CacheItem

	lock sync.RWMutex
}

func (bc *BasicCache) Get(_ context.Context, key string) (*assetcache.CacheItem, error) {
	bc.lock.RLock()
	defer bc.lock.RUnlock()

	val, found := bc.cache[key]
	if !found {
		return nil, caches.ErrNoCacheItem
	}

	cp := *val
	return &cp, nil
}

func (bc *BasicCache) Set(_ context.Context, key string, item *assetcache.CacheItem) error {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	if bc.cache == nil {
		bc.cache = make(map[string]*assetcache.CacheItem)
	}
	cp := *item
	bc.cache[key] = &cp

	return nil
}

// Len returns the number of stored items.
func (bc *BasicCache) Len() int {
	bc.lock.RLock()
	defer bc.lock.RUnlock()

	return len(bc.cache)
}

func NewBasicCache() *BasicCache {
	return &BasicCache{
		cache: make(map[string]*assetcache.CacheItem),
	}
}

// Storage keeps named BasicCaches in memory. Contents are lost when the process exits.
// The zero value is ready to use.
type Storage struct {
	stores map[string]*BasicCache

	lock sync.RWMutex
}

func (s *Storage) Open(_ context.Context, name string) (assetcache.Cache, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.stores == nil {
		s.stores = make(map[string]*BasicCache)
	}

	bc, found := s.stores[name]
	if !found {
		bc = NewBasicCache()
		s.stores[name] = bc
	}

	return bc, nil
}

func (s *Storage) Keys(_ context.Context) ([]string, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	sort.Strings(names)

	return names, nil
}

func (s *Storage) Delete(_ context.Context, name string) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	_, found := s.stores[name]
	delete(s.stores, name)

	return found, nil
}

// Lookup returns a store without creating it.
func (s *Storage) Lookup(name string) (*BasicCache, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	bc, found := s.stores[name]
	return bc, found
}

func NewStorage() *Storage {
	return &Storage{
		stores: make(map[string]*BasicCache),
	}
}
