package dataloader

import (
	"image"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(size int) Sample {
	return Sample{
		Image: image.NewRGBA(image.Rect(0, 0, size, size)),
		Mask:  image.NewGray(image.Rect(0, 0, size, size)),
	}
}

func TestCacheManagerLRU(t *testing.T) {
	cm, err := NewCacheManager(2)
	require.NoError(t, err)

	cm.Put("a", sample(1))
	cm.Put("b", sample(2))
	_, ok := cm.Get("a")
	assert.True(t, ok)

	// b is now the least recently used
	cm.Put("c", sample(3))
	_, ok = cm.Get("b")
	assert.False(t, ok)
	s, ok := cm.Get("c")
	require.True(t, ok)
	assert.Equal(t, 3, s.Image.Bounds().Dx())

	stats := cm.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 66.7, stats.HitRate, 0.1)
	assert.Contains(t, stats.String(), "2/2 items")

	cm.Clear()
	assert.Equal(t, 0, cm.Stats().Size)
	assert.Equal(t, int64(2), cm.Stats().Hits)
	cm.ResetStats()
	assert.Equal(t, int64(0), cm.Stats().Hits)
}

func TestCacheManagerDisabled(t *testing.T) {
	cm, err := NewCacheManager(0)
	require.NoError(t, err)

	cm.Put("a", sample(1))
	_, ok := cm.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, cm.Stats().Size)

	_, err = NewCacheManager(-1)
	assert.Error(t, err)
}

func TestGetOrLoad(t *testing.T) {
	cm, err := NewCacheManager(4)
	require.NoError(t, err)

	loads := 0
	load := func() (Sample, error) {
		loads++
		return sample(5), nil
	}
	for i := 0; i < 3; i++ {
		s, err := cm.GetOrLoad("x", load)
		require.NoError(t, err)
		assert.Equal(t, 5, s.Mask.Bounds().Dx())
	}
	assert.Equal(t, 1, loads)

	_, err = cm.GetOrLoad("y", func() (Sample, error) { return Sample{}, errors.New("boom") })
	assert.EqualError(t, err, "boom")
	_, ok := cm.Get("y")
	assert.False(t, ok)
}

func TestCacheManagerConcurrent(t *testing.T) {
	cm, err := NewCacheManager(8)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := string(rune('a' + i%16))
				_, err := cm.GetOrLoad(key, func() (Sample, error) { return sample(1), nil })
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	stats := cm.Stats()
	assert.Equal(t, int64(400), stats.Hits+stats.Misses)
	assert.LessOrEqual(t, stats.Size, 8)
}

func TestSharedCacheManager(t *testing.T) {
	scm := NewSharedCacheManager()
	a, err := scm.GetOrCreateCache("samples", 4)
	require.NoError(t, err)
	b, err := scm.GetOrCreateCache("samples", 100)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 4, b.Stats().MaxSize)

	a.Put("k", sample(1))
	scm.ClearAllCaches()
	_, ok := b.Get("k")
	assert.False(t, ok)

	scm.RemoveCache("samples")
	c, err := scm.GetOrCreateCache("samples", 2)
	require.NoError(t, err)
	assert.NotSame(t, a, c)

	_, err = scm.GetOrCreateCache("bad", -1)
	assert.Error(t, err)

	assert.Same(t, GetGlobalSharedCache(), GetGlobalSharedCache())
}
