package cache

import (
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(ch int) TileKey {
	return TileKey{ImageID: 1, Level: 0, Channel: ch, Region: image.Rect(0, 0, 512, 512)}
}

func TestTileCacheLRU(t *testing.T) {
	c := NewTileCache(2, time.Minute)

	c.Put(key(0), []byte{0})
	c.Put(key(1), []byte{1})
	_, ok := c.Get(key(0))
	require.True(t, ok)
	c.Put(key(2), []byte{2})

	_, ok = c.Get(key(1))
	assert.False(t, ok, "least recently used entry is evicted")
	got, ok := c.Get(key(0))
	assert.True(t, ok)
	assert.Equal(t, []byte{0}, got)
	assert.Equal(t, 2, c.Len())
}

func TestTileCacheTTL(t *testing.T) {
	c := NewTileCache(10, 50*time.Millisecond)
	c.Put(key(0), []byte{7})

	_, ok := c.Get(key(0))
	require.True(t, ok)

	time.Sleep(120 * time.Millisecond)
	_, ok = c.Get(key(0))
	assert.False(t, ok, "entries expire from insertion regardless of use")
}

func TestTileKeyDistinguishesRegionAndChannel(t *testing.T) {
	c := NewTileCache(10, time.Minute)
	c.Put(key(0), []byte{1})

	other := key(0)
	other.Region = image.Rect(512, 0, 600, 512)
	_, ok := c.Get(other)
	assert.False(t, ok)

	composite := key(CompositeChannel)
	_, ok = c.Get(composite)
	assert.False(t, ok)

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestTileCacheRemoveImage(t *testing.T) {
	c := NewTileCache(10, time.Minute)
	c.Put(key(0), []byte{0})
	c.Put(key(1), []byte{1})
	other := key(0)
	other.ImageID = 2
	c.Put(other, []byte{2})

	assert.Equal(t, 2, c.RemoveImage(1))
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get(other)
	assert.True(t, ok)
	assert.Zero(t, c.RemoveImage(1))
}

func TestTileCacheConcurrent(t *testing.T) {
	c := NewTileCache(8, time.Minute)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.Put(key(i%16), []byte{byte(w)})
				c.Get(key((i + w) % 16))
			}
		}(w)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 8)
}

func TestNewTileCacheDefaults(t *testing.T) {
	c := NewTileCache(0, 0)
	for i := 0; i < DefaultPlaneEntries+5; i++ {
		c.Put(key(i), nil)
	}
	assert.Equal(t, DefaultPlaneEntries, c.Len())
}

func TestEncodedKey(t *testing.T) {
	base := EncodedKey(3, 0, 1, 2, 4, nil)
	assert.Equal(t, "tile:3:0/1/2/4", base)

	k1 := EncodedKey(3, 0, 1, 2, 4, []float64{1, 0.5})
	k2 := EncodedKey(3, 0, 1, 2, 4, []float64{1, 0.5})
	k3 := EncodedKey(3, 0, 1, 2, 4, []float64{0.5, 1})
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.NotEqual(t, base, k1)
}

func TestManagerRoundTrip(t *testing.T) {
	m, err := NewManager(Config{TileCacheSizeMB: 8, TileTTL: time.Minute})
	require.NoError(t, err)
	defer m.Close()

	_, ok := m.GetTile("a")
	assert.False(t, ok)
	require.NoError(t, m.SetTile("a", []byte("png")))
	got, ok := m.GetTile("a")
	require.True(t, ok)
	assert.Equal(t, []byte("png"), got)

	stats := m.Stats()
	assert.Equal(t, 1, stats["tile_cache_len"])

	require.NoError(t, m.Reset())
	_, ok = m.GetTile("a")
	assert.False(t, ok)
}
