package dataloader

import (
	"sync"
)

// SharedCacheManager hands out named caches so that the datasets of one run
// (train and validation folds of the same folder) share decoded samples.
type SharedCacheManager struct {
	mu     sync.Mutex
	caches map[string]*CacheManager
}

var (
	globalSharedCache *SharedCacheManager
	sharedCacheOnce   sync.Once
)

// GetGlobalSharedCache returns the global shared cache manager
func GetGlobalSharedCache() *SharedCacheManager {
	sharedCacheOnce.Do(func() {
		globalSharedCache = NewSharedCacheManager()
	})
	return globalSharedCache
}

// NewSharedCacheManager creates an empty set of named caches
func NewSharedCacheManager() *SharedCacheManager {
	return &SharedCacheManager{caches: make(map[string]*CacheManager)}
}

// GetOrCreateCache gets or creates a cache with the given name. maxSize only
// applies when the cache is created.
func (scm *SharedCacheManager) GetOrCreateCache(name string, maxSize int) (*CacheManager, error) {
	scm.mu.Lock()
	defer scm.mu.Unlock()

	if cache, exists := scm.caches[name]; exists {
		return cache, nil
	}

	cache, err := NewCacheManager(maxSize)
	if err != nil {
		return nil, err
	}
	scm.caches[name] = cache
	return cache, nil
}

// RemoveCache removes a cache by name
func (scm *SharedCacheManager) RemoveCache(name string) {
	scm.mu.Lock()
	defer scm.mu.Unlock()
	delete(scm.caches, name)
}

// ClearAllCaches clears all managed caches
func (scm *SharedCacheManager) ClearAllCaches() {
	scm.mu.Lock()
	defer scm.mu.Unlock()

	for _, cache := range scm.caches {
		cache.Clear()
	}
}
