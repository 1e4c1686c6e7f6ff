// Package dataloader holds the decoded-sample cache shared by the datasets
// of a run.
package dataloader

import (
	"fmt"
	"image"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// Sample is a decoded image/mask pair resized to the working resolution.
// Cached samples are shared and must not be modified.
type Sample struct {
	Image *image.RGBA
	Mask  *image.Gray
}

// CacheManager is an LRU cache of decoded samples. A zero capacity disables
// caching: every lookup misses and nothing is stored.
type CacheManager struct {
	cache   *lru.Cache
	maxSize int

	// Statistics
	hits   int64
	misses int64
}

// NewCacheManager creates a new cache manager holding up to maxSize samples
func NewCacheManager(maxSize int) (*CacheManager, error) {
	if maxSize < 0 {
		return nil, errors.Errorf("cache size cannot be negative, got %d", maxSize)
	}
	cm := &CacheManager{maxSize: maxSize}
	if maxSize > 0 {
		cache, err := lru.New(maxSize)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create sample cache")
		}
		cm.cache = cache
	}
	return cm, nil
}

// Get retrieves a sample from the cache
func (cm *CacheManager) Get(key string) (Sample, bool) {
	if cm.cache != nil {
		if v, ok := cm.cache.Get(key); ok {
			atomic.AddInt64(&cm.hits, 1)
			return v.(Sample), true
		}
	}
	atomic.AddInt64(&cm.misses, 1)
	return Sample{}, false
}

// Put adds a sample to the cache, evicting the least recently used one when full
func (cm *CacheManager) Put(key string, sample Sample) {
	if cm.cache != nil {
		cm.cache.Add(key, sample)
	}
}

// GetOrLoad returns the cached sample for key or loads and caches it.
// Concurrent misses on the same key may both load.
func (cm *CacheManager) GetOrLoad(key string, load func() (Sample, error)) (Sample, error) {
	if s, ok := cm.Get(key); ok {
		return s, nil
	}
	s, err := load()
	if err != nil {
		return Sample{}, err
	}
	cm.Put(key, s)
	return s, nil
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	stats := CacheStats{
		MaxSize: cm.maxSize,
		Hits:    atomic.LoadInt64(&cm.hits),
		Misses:  atomic.LoadInt64(&cm.misses),
	}
	if cm.cache != nil {
		stats.Size = cm.cache.Len()
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}
	return stats
}

// Clear clears the cache. Statistics are kept.
func (cm *CacheManager) Clear() {
	if cm.cache != nil {
		cm.cache.Purge()
	}
}

// ResetStats resets the statistics
func (cm *CacheManager) ResetStats() {
	atomic.StoreInt64(&cm.hits, 0)
	atomic.StoreInt64(&cm.misses, 0)
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
