// Package service exposes opened images as tile sources for viewers and
// exporters.
package service

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/omero-tiles/server/internal/cache"
	"github.com/omero-tiles/server/internal/calibrate"
	"github.com/omero-tiles/server/internal/partition"
	"github.com/omero-tiles/server/internal/pyramid"
	"github.com/omero-tiles/server/internal/session"
	"github.com/omero-tiles/server/internal/store"
	"github.com/omero-tiles/server/pkg/colormap"
)

const (
	// DefaultPreviewMaxWidth bounds preview width.
	DefaultPreviewMaxWidth = 300
	// DefaultPreviewTolerance is the aspect-ratio tolerance for choosing the
	// preview level.
	DefaultPreviewTolerance = 0.001
)

// Config contains manager configuration.
type Config struct {
	Backend store.Backend
	// Memo backs partition lookups; nil uses a fresh in-memory map.
	Memo partition.Memo

	TileWidth      int
	TileHeight     int
	LevelTolerance float64

	CacheEntries int
	CacheTTL     time.Duration

	PreviewMaxWidth  int
	PreviewTolerance float64

	Logger *zap.Logger
}

// Manager opens images. It owns the partition sessions, the partition
// locator, the calibration memo and the shared plane cache.
type Manager struct {
	sessions   *session.Pool
	locator    *partition.Locator
	opener     *pyramid.Opener
	calibrator *calibrate.Calibrator
	planes     *cache.TileCache

	previewMaxWidth  int
	previewTolerance float64
	log              *zap.Logger
}

// NewManager creates a manager over cfg.Backend.
func NewManager(cfg Config) *Manager {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PreviewMaxWidth <= 0 {
		cfg.PreviewMaxWidth = DefaultPreviewMaxWidth
	}
	if cfg.PreviewTolerance <= 0 {
		cfg.PreviewTolerance = DefaultPreviewTolerance
	}

	sessions := session.NewPool(cfg.Backend, log)
	locator := partition.NewLocator(partition.Config{Prober: sessions, Memo: cfg.Memo, Logger: log})
	opener := pyramid.NewOpener(pyramid.Config{
		Locator:        locator,
		Sessions:       sessions,
		TileWidth:      cfg.TileWidth,
		TileHeight:     cfg.TileHeight,
		LevelTolerance: cfg.LevelTolerance,
		Logger:         log,
	})
	return &Manager{
		sessions:         sessions,
		locator:          locator,
		opener:           opener,
		calibrator:       calibrate.New(opener, log),
		planes:           cache.NewTileCache(cfg.CacheEntries, cfg.CacheTTL),
		previewMaxWidth:  cfg.PreviewMaxWidth,
		previewTolerance: cfg.PreviewTolerance,
		log:              log.Named("service"),
	}
}

// PlaneCache returns the shared decoded-plane cache.
func (m *Manager) PlaneCache() *cache.TileCache {
	return m.planes
}

// OpenRequest selects what to open.
type OpenRequest struct {
	ImageID  int64
	Level    int
	Series   int
	Z, T     int
	UseCache bool
}

// Open opens an image at level and series.
func (m *Manager) Open(imageID int64, level, series int, useCache bool) (*Image, error) {
	return m.OpenWith(OpenRequest{ImageID: imageID, Level: level, Series: series, UseCache: useCache})
}

// OpenWith opens an image as described by req.
func (m *Manager) OpenWith(req OpenRequest) (*Image, error) {
	r, err := m.opener.Open(pyramid.Request{
		ImageID: req.ImageID,
		Level:   req.Level,
		Series:  req.Series,
		Z:       req.Z,
		T:       req.T,
	})
	if err != nil {
		return nil, err
	}
	h := r.Handle()
	return &Image{
		mgr:      m,
		handle:   h,
		readers:  pyramid.NewPool(m.opener, r),
		useCache: req.UseCache,
		hues:     colormap.Hues(h.ChannelNames),
	}, nil
}

// Locate finds the partition of an entity.
func (m *Manager) Locate(kind store.EntityKind, id int64) (store.PartitionID, bool, error) {
	return m.locator.Locate(kind, id)
}

// Memoized reports whether the partition of an entity is already known
// without probing.
func (m *Manager) Memoized(kind store.EntityKind, id int64) bool {
	_, ok := m.locator.Cached(kind, id)
	return ok
}

// ForgetLocations drops every memoized partition mapping, so entities moved
// between partitions are found again on their next lookup.
func (m *Manager) ForgetLocations() {
	m.locator.Clear()
	m.log.Info("partition memo cleared")
}

// Refresh drops the calibration of one image series and every cached plane
// of the image. Images already open keep reading; their next tile
// recalibrates.
func (m *Manager) Refresh(imageID int64, series int) {
	m.calibrator.Forget(calibrate.Key{ImageID: imageID, Series: series})
	n := m.planes.RemoveImage(imageID)
	m.log.Debug("image refreshed", zap.Int64("image", imageID), zap.Int("series", series), zap.Int("planes", n))
}

// Close releases every partition session. Images opened by the manager must
// be closed first.
func (m *Manager) Close() error {
	var err error
	if cerr := m.sessions.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("close sessions: %w", cerr))
	}
	m.planes.Purge()
	return err
}
