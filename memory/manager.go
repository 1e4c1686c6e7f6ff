// Package memory pools the float32 scratch buffers used by the tensor kernels.
package memory

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// BufferPool keeps idle buffers of one capacity
type BufferPool struct {
	buffers    chan []float32 // Idle buffers
	maxSize    int            // Idle buffers kept at most
	bufferSize int            // Capacity of every buffer in this pool
	allocated  int64          // Buffers created by this pool
	reused     int64          // Gets served from the idle list
}

// NewBufferPool creates a new buffer pool
func NewBufferPool(bufferSize int, maxSize int) *BufferPool {
	return &BufferPool{
		buffers:    make(chan []float32, maxSize),
		maxSize:    maxSize,
		bufferSize: bufferSize,
	}
}

// Get returns an idle buffer or allocates a new one. Contents are undefined.
func (bp *BufferPool) Get() []float32 {
	select {
	case buffer := <-bp.buffers:
		atomic.AddInt64(&bp.reused, 1)
		return buffer
	default:
		atomic.AddInt64(&bp.allocated, 1)
		return make([]float32, bp.bufferSize)
	}
}

// Return puts a buffer back into the pool, dropping it when the pool is full
func (bp *BufferPool) Return(buffer []float32) {
	if cap(buffer) != bp.bufferSize {
		return
	}
	select {
	case bp.buffers <- buffer[:bp.bufferSize]:
	default:
	}
}

// Stats returns pool statistics
func (bp *BufferPool) Stats() (available int, allocated int, maxSize int) {
	return len(bp.buffers), int(atomic.LoadInt64(&bp.allocated)), bp.maxSize
}

// Reused returns how many Gets were served without allocating
func (bp *BufferPool) Reused() int {
	return int(atomic.LoadInt64(&bp.reused))
}

// MemoryManager hands out scratch buffers from size-tiered pools
type MemoryManager struct {
	pools      map[int]*BufferPool // Pools by capacity
	poolsMutex sync.RWMutex        // Protects pools map

	// Pool size tiers (in elements)
	poolSizes []int
}

// Default pool sizes: 1K, 4K, 16K, 64K, 256K, 1M, 4M, 16M, 64M elements
var defaultPoolSizes = []int{
	1 << 10, 1 << 12, 1 << 14, 1 << 16, 1 << 18, 1 << 20, 1 << 22, 1 << 24, 1 << 26,
}

// NewMemoryManager creates a new memory manager
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		pools:     make(map[int]*BufferPool),
		poolSizes: defaultPoolSizes,
	}
}

// GetBuffer returns a slice of length size. Requests above the largest tier
// are allocated directly and never pooled.
func (mm *MemoryManager) GetBuffer(size int) []float32 {
	if size < 0 {
		panic(fmt.Sprintf("negative buffer size %d", size))
	}
	poolSize := mm.findPoolSize(size)
	if poolSize < 0 {
		return make([]float32, size)
	}
	return mm.getOrCreatePool(poolSize).Get()[:size]
}

// ReturnBuffer gives a buffer obtained from GetBuffer back to its pool
func (mm *MemoryManager) ReturnBuffer(buffer []float32) {
	if buffer == nil {
		return
	}
	mm.poolsMutex.RLock()
	pool, exists := mm.pools[cap(buffer)]
	mm.poolsMutex.RUnlock()
	if exists {
		pool.Return(buffer)
	}
}

// findPoolSize finds the smallest pool size that can accommodate the request,
// or -1 when none can
func (mm *MemoryManager) findPoolSize(size int) int {
	for _, poolSize := range mm.poolSizes {
		if poolSize >= size {
			return poolSize
		}
	}
	return -1
}

// getOrCreatePool gets an existing pool or creates a new one
func (mm *MemoryManager) getOrCreatePool(size int) *BufferPool {
	mm.poolsMutex.RLock()
	pool, exists := mm.pools[size]
	mm.poolsMutex.RUnlock()

	if exists {
		return pool
	}

	mm.poolsMutex.Lock()
	defer mm.poolsMutex.Unlock()

	// Double-check after acquiring write lock
	if pool, exists := mm.pools[size]; exists {
		return pool
	}

	pool = NewBufferPool(size, calculateMaxPoolSize(size))
	mm.pools[size] = pool
	return pool
}

// calculateMaxPoolSize determines the maximum number of idle buffers for a pool
func calculateMaxPoolSize(bufferSize int) int {
	// Smaller buffers get larger pools
	switch {
	case bufferSize <= 1<<10:
		return 100
	case bufferSize <= 1<<14:
		return 50
	case bufferSize <= 1<<18:
		return 20
	case bufferSize <= 1<<22:
		return 10
	default:
		return 5
	}
}

// Stats returns memory manager statistics
func (mm *MemoryManager) Stats() map[int]string {
	mm.poolsMutex.RLock()
	defer mm.poolsMutex.RUnlock()

	stats := make(map[int]string)
	for size, pool := range mm.pools {
		available, allocated, maxSize := pool.Stats()
		stats[size] = fmt.Sprintf("available=%d, allocated=%d, max=%d, reused=%d",
			available, allocated, maxSize, pool.Reused())
	}
	return stats
}

// Global memory manager instance
var globalMemoryManager *MemoryManager
var globalMemoryManagerOnce sync.Once

// GetGlobalMemoryManager returns the process-wide memory manager
func GetGlobalMemoryManager() *MemoryManager {
	globalMemoryManagerOnce.Do(func() {
		globalMemoryManager = NewMemoryManager()
	})
	return globalMemoryManager
}

// Scratch collects buffers taken for one kernel call so they can be
// returned together
type Scratch struct {
	mm      *MemoryManager
	mu      sync.Mutex
	buffers [][]float32
}

// NewScratch returns a Scratch drawing from mm, or from the global manager when mm is nil
func NewScratch(mm *MemoryManager) *Scratch {
	if mm == nil {
		mm = GetGlobalMemoryManager()
	}
	return &Scratch{mm: mm}
}

// Get returns a buffer of length size. Contents are undefined.
func (s *Scratch) Get(size int) []float32 {
	buffer := s.mm.GetBuffer(size)
	s.mu.Lock()
	s.buffers = append(s.buffers, buffer)
	s.mu.Unlock()
	return buffer
}

// Release returns every buffer handed out by Get
func (s *Scratch) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, buffer := range s.buffers {
		s.mm.ReturnBuffer(buffer)
	}
	s.buffers = nil
}
