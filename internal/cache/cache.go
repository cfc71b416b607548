// Package cache provides caching for decoded planes and encoded tiles.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/omero-tiles/server/internal/metrics"
)

const (
	// DefaultPlaneEntries is the decoded-plane cache capacity.
	DefaultPlaneEntries = 40
	// DefaultPlaneTTL is the absolute lifetime of a decoded plane.
	DefaultPlaneTTL = 5 * time.Minute
)

// CompositeChannel marks a key that holds a whole merged plane instead of
// one channel.
const CompositeChannel = -1

// TileKey identifies one decoded plane region.
type TileKey struct {
	ImageID int64
	Series  int
	Z, T    int
	Level   int
	Channel int
	Region  image.Rectangle
}

// TileCache is a fixed-capacity LRU of decoded planes. Entries also expire a
// fixed time after insertion; lookups never extend that lifetime.
type TileCache struct {
	lru *expirable.LRU[TileKey, []byte]
}

// NewTileCache creates a plane cache. Non-positive arguments take defaults.
func NewTileCache(entries int, ttl time.Duration) *TileCache {
	if entries <= 0 {
		entries = DefaultPlaneEntries
	}
	if ttl <= 0 {
		ttl = DefaultPlaneTTL
	}
	return &TileCache{lru: expirable.NewLRU[TileKey, []byte](entries, nil, ttl)}
}

// Get returns the plane for key if present and not expired. The returned
// slice is shared and must not be modified.
func (c *TileCache) Get(key TileKey) ([]byte, bool) {
	plane, ok := c.lru.Get(key)
	if !ok {
		metrics.CacheRequests.WithLabelValues("plane", "miss").Inc()
		return nil, false
	}
	metrics.CacheRequests.WithLabelValues("plane", "hit").Inc()
	return plane, true
}

// Put stores plane under key, evicting the least recently used entry when
// full. The cache takes ownership of plane.
func (c *TileCache) Put(key TileKey, plane []byte) {
	c.lru.Add(key, plane)
}

// RemoveImage drops every plane of imageID and returns how many were
// removed.
func (c *TileCache) RemoveImage(imageID int64) int {
	n := 0
	for _, key := range c.lru.Keys() {
		if key.ImageID == imageID && c.lru.Remove(key) {
			n++
		}
	}
	return n
}

// Len returns the number of live entries.
func (c *TileCache) Len() int {
	return c.lru.Len()
}

// Purge removes every entry.
func (c *TileCache) Purge() {
	c.lru.Purge()
}

// Config contains encoded-tile cache configuration.
type Config struct {
	TileCacheSizeMB int
	TileTTL         time.Duration
}

// Manager caches encoded PNG tiles served over HTTP.
type Manager struct {
	tileCache *bigcache.BigCache
}

// NewManager creates a new encoded-tile cache.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TileTTL <= 0 {
		cfg.TileTTL = DefaultPlaneTTL
	}
	tileCacheConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         cfg.TileTTL,
		CleanWindow:        cfg.TileTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       256 * 1024,
		HardMaxCacheSize:   cfg.TileCacheSizeMB,
		Verbose:            false,
	}

	tileCache, err := bigcache.New(context.Background(), tileCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}
	return &Manager{tileCache: tileCache}, nil
}

// GetTile retrieves an encoded tile.
func (m *Manager) GetTile(key string) ([]byte, bool) {
	data, err := m.tileCache.Get(key)
	if err != nil {
		metrics.CacheRequests.WithLabelValues("encoded", "miss").Inc()
		return nil, false
	}
	metrics.CacheRequests.WithLabelValues("encoded", "hit").Inc()
	return data, true
}

// SetTile stores an encoded tile.
func (m *Manager) SetTile(key string, data []byte) error {
	return m.tileCache.Set(key, data)
}

// Reset drops every encoded tile.
func (m *Manager) Reset() error {
	return m.tileCache.Reset()
}

// EncodedKey generates a cache key for an encoded tile. Contribution weights
// are hashed into the key.
func EncodedKey(imageID int64, series, level, x, y int, contributions []float64) string {
	base := fmt.Sprintf("tile:%d:%d/%d/%d/%d", imageID, series, level, x, y)
	if contributions == nil {
		return base
	}

	h := sha256.New()
	h.Write([]byte(base))
	var buf [8]byte
	for _, w := range contributions {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(w))
		h.Write(buf[:])
	}
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	s := m.tileCache.Stats()
	return map[string]interface{}{
		"tile_cache_len":    m.tileCache.Len(),
		"tile_cache_cap":    m.tileCache.Capacity(),
		"tile_cache_hits":   s.Hits,
		"tile_cache_misses": s.Misses,
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.tileCache.Close()
}
