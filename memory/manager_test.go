package memory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPool(t *testing.T) {
	bp := NewBufferPool(8, 1)

	a := bp.Get()
	b := bp.Get()
	assert.Len(t, a, 8)
	bp.Return(a)
	bp.Return(b) // pool full, dropped
	bp.Return(make([]float32, 4))

	available, allocated, maxSize := bp.Stats()
	assert.Equal(t, 1, available)
	assert.Equal(t, 2, allocated)
	assert.Equal(t, 1, maxSize)

	c := bp.Get()
	assert.Same(t, &a[0], &c[0])
	assert.Equal(t, 1, bp.Reused())
}

func TestMemoryManagerFindPoolSize(t *testing.T) {
	mm := NewMemoryManager()
	tests := []struct {
		size, want int
	}{
		{0, 1 << 10},
		{1, 1 << 10},
		{1 << 10, 1 << 10},
		{1<<10 + 1, 1 << 12},
		{5_000_000, 1 << 24},
		{1 << 26, 1 << 26},
		{1<<26 + 1, -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mm.findPoolSize(tt.size), "size %d", tt.size)
	}
}

func TestCalculateMaxPoolSize(t *testing.T) {
	assert.Equal(t, 100, calculateMaxPoolSize(1<<10))
	assert.Equal(t, 50, calculateMaxPoolSize(1<<12))
	assert.Equal(t, 20, calculateMaxPoolSize(1<<18))
	assert.Equal(t, 10, calculateMaxPoolSize(1<<20))
	assert.Equal(t, 5, calculateMaxPoolSize(1<<26))
}

func TestGetBufferReuse(t *testing.T) {
	mm := NewMemoryManager()

	buf := mm.GetBuffer(3000)
	require.Len(t, buf, 3000)
	assert.Equal(t, 1<<12, cap(buf))
	buf[0] = 7
	mm.ReturnBuffer(buf)

	again := mm.GetBuffer(2000)
	assert.Len(t, again, 2000)
	assert.Equal(t, float32(7), again[0])

	stats := mm.Stats()
	require.Contains(t, stats, 1<<12)
	assert.Contains(t, stats[1<<12], "reused=1")

	mm.ReturnBuffer(nil)
	mm.ReturnBuffer(make([]float32, 10))
	assert.Len(t, mm.Stats(), 1)

	assert.Panics(t, func() { mm.GetBuffer(-1) })
}

func TestScratch(t *testing.T) {
	mm := NewMemoryManager()
	s := NewScratch(mm)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := s.Get(100)
			for j := range buf {
				buf[j] = 1
			}
		}()
	}
	wg.Wait()
	s.Release()

	available, allocated, _ := mm.pools[1<<10].Stats()
	assert.Equal(t, 4, allocated)
	assert.Equal(t, 4, available)

	assert.Same(t, GetGlobalMemoryManager(), NewScratch(nil).mm)
}
