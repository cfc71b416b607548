package service

import (
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/omero-tiles/server/internal/cache"
	"github.com/omero-tiles/server/internal/calibrate"
	"github.com/omero-tiles/server/internal/composite"
	"github.com/omero-tiles/server/internal/pyramid"
	"github.com/omero-tiles/server/internal/store"
	"github.com/omero-tiles/server/pkg/colormap"
)

// Image is an opened image serving composited tiles. It is safe for
// concurrent use; GetTile checks a reader out exclusively per call, and
// Worker gives a goroutine its own reader.
type Image struct {
	mgr      *Manager
	handle   *pyramid.Handle
	readers  *pyramid.Pool
	useCache bool

	mu            sync.RWMutex
	contributions []float64
	hues          []colormap.Hue

	// life is held shared by every call that uses a reader and exclusively
	// by Close, so readers are never closed under an in-flight call.
	life   sync.RWMutex
	closed bool
}

// Handle returns the opened image description.
func (img *Image) Handle() *pyramid.Handle { return img.handle }

// Width returns the pixel width of the opened level.
func (img *Image) Width() int { return img.handle.Width }

// Height returns the pixel height of the opened level.
func (img *Image) Height() int { return img.handle.Height }

// TileWidth returns the tile width.
func (img *Image) TileWidth() int { return img.handle.TileWidth }

// TileHeight returns the tile height.
func (img *Image) TileHeight() int { return img.handle.TileHeight }

// NumLevels returns the number of discovered pyramid levels.
func (img *Image) NumLevels() int { return img.handle.NumLevels }

// TilesX returns the number of tile columns.
func (img *Image) TilesX() int { return img.handle.TilesX() }

// TilesY returns the number of tile rows.
func (img *Image) TilesY() int { return img.handle.TilesY() }

// UseCache reports whether decoded planes are cached.
func (img *Image) UseCache() bool { return img.useCache }

// SetChannelContributions sets per-channel weights. Nil renders every
// channel at full weight; a channel with weight near zero is skipped.
func (img *Image) SetChannelContributions(weights []float64) error {
	if weights != nil && len(weights) != img.handle.Channels {
		return fmt.Errorf("got %d contributions for %d channels", len(weights), img.handle.Channels)
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	img.contributions = clone(weights)
	return nil
}

// ChannelContributions returns a copy of the current weights.
func (img *Image) ChannelContributions() []float64 {
	img.mu.RLock()
	defer img.mu.RUnlock()
	return clone(img.contributions)
}

// SetChannelHues overrides the hues derived from channel names.
func (img *Image) SetChannelHues(hues []colormap.Hue) error {
	if len(hues) != img.handle.Channels {
		return fmt.Errorf("got %d hues for %d channels", len(hues), img.handle.Channels)
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	img.hues = append([]colormap.Hue(nil), hues...)
	return nil
}

// ChannelInfo describes one channel for display.
type ChannelInfo struct {
	Index        int              `json:"index"`
	Name         string           `json:"name"`
	Hue          colormap.Hue     `json:"hue"`
	Contribution float64          `json:"contribution"`
	Active       bool             `json:"active"`
	Range        *calibrate.Range `json:"range,omitempty"`
}

// Channels describes every channel. Calibration ranges are included once
// computed.
func (img *Image) Channels() []ChannelInfo {
	opts := img.options(nil)
	ranges, _ := img.mgr.calibrator.Cached(calibrate.Key{ImageID: img.handle.ImageID, Series: img.handle.Series})
	out := make([]ChannelInfo, img.handle.Channels)
	for c := range out {
		info := ChannelInfo{
			Index:        c,
			Name:         img.handle.ChannelNames[c],
			Hue:          opts.Hues[c],
			Contribution: 1,
			Active:       opts.Active(c),
		}
		if opts.Contributions != nil {
			info.Contribution = opts.Contributions[c]
		}
		if c < len(ranges) {
			r := ranges[c]
			info.Range = &r
		}
		out[c] = info
	}
	return out
}

// GetTile renders tile (tileX, tileY) with the current contributions.
func (img *Image) GetTile(tileX, tileY int) (*image.RGBA, error) {
	return img.GetTileWith(tileX, tileY, nil)
}

// GetTileWith renders a tile with contributions overriding the image's
// weights for this call only. Nil uses the image's weights.
func (img *Image) GetTileWith(tileX, tileY int, contributions []float64) (*image.RGBA, error) {
	if err := img.enter(); err != nil {
		return nil, err
	}
	defer img.leave()
	r, err := img.readers.Checkout()
	if err != nil {
		return nil, err
	}
	defer img.readers.Checkin(r)
	return img.tile(r, tileX, tileY, contributions)
}

// Worker returns the handle bound to worker id. Each worker owns one reader
// for the life of the image and must not be shared between goroutines.
func (img *Image) Worker(id pyramid.WorkerID) (*Worker, error) {
	if err := img.enter(); err != nil {
		return nil, err
	}
	defer img.leave()
	r, err := img.readers.ForWorker(id)
	if err != nil {
		return nil, err
	}
	return &Worker{img: img, reader: r}, nil
}

// GetPreview renders the whole image from the coarsest level whose aspect
// ratio matches the full image, downscaled to the maximum preview width.
func (img *Image) GetPreview() (image.Image, error) {
	if err := img.enter(); err != nil {
		return nil, err
	}
	defer img.leave()
	h := img.handle
	level := previewLevel(h.Levels, img.mgr.previewTolerance)
	r, err := img.mgr.opener.OpenLevel(h, level)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	w, ht := r.Size()
	ph := *h
	ph.Level = level
	ph.Width, ph.Height = w, ht
	ph.TileWidth, ph.TileHeight = w, ht

	opts, err := img.resolve(nil)
	if err != nil {
		return nil, err
	}
	full, err := composite.Compose(&ph, img.source(r), image.Rect(0, 0, w, ht), opts)
	if err != nil {
		return nil, err
	}
	if w <= img.mgr.previewMaxWidth {
		return full, nil
	}
	return imaging.Resize(full, img.mgr.previewMaxWidth, 0, imaging.Linear), nil
}

// previewLevel walks from the coarsest level toward level 0 and returns the
// first whose aspect ratio is within tol of level 0.
func previewLevel(levels []store.LevelGeometry, tol float64) int {
	ratio := levels[0].Aspect()
	for l := len(levels) - 1; l > 0; l-- {
		if math.Abs(levels[l].Aspect()-ratio) < tol {
			return l
		}
	}
	return 0
}

// Close releases every reader owned by the image once in-flight calls have
// returned. Close is idempotent.
func (img *Image) Close() error {
	img.life.Lock()
	if img.closed {
		img.life.Unlock()
		return nil
	}
	img.closed = true
	img.life.Unlock()
	img.mgr.log.Debug("image closed", zap.Int64("image", img.handle.ImageID), zap.Int("readers", img.readers.Len()))
	return img.readers.Close()
}

func (img *Image) enter() error {
	img.life.RLock()
	if img.closed {
		img.life.RUnlock()
		return store.ErrClosed
	}
	return nil
}

func (img *Image) leave() {
	img.life.RUnlock()
}

func (img *Image) tile(r *pyramid.Reader, tileX, tileY int, contributions []float64) (*image.RGBA, error) {
	opts, err := img.resolve(contributions)
	if err != nil {
		return nil, err
	}
	return composite.Compose(img.handle, img.source(r), img.handle.TileRegion(tileX, tileY), opts)
}

// resolve builds compositing options, calibrating first when needed.
func (img *Image) resolve(contributions []float64) (composite.Options, error) {
	opts := img.options(contributions)
	if img.handle.NeedsCalibration() {
		ranges, err := img.mgr.calibrator.Ranges(img.handle)
		if err != nil {
			return opts, err
		}
		opts.Ranges = ranges
	}
	return opts, nil
}

func (img *Image) options(contributions []float64) composite.Options {
	img.mu.RLock()
	defer img.mu.RUnlock()
	if contributions == nil {
		contributions = img.contributions
	}
	return composite.Options{Contributions: contributions, Hues: img.hues}
}

func (img *Image) source(r *pyramid.Reader) composite.PlaneSource {
	return &planeSource{img: img, reader: r}
}

// planeSource reads planes through the shared cache when the image was
// opened with caching.
type planeSource struct {
	img    *Image
	reader *pyramid.Reader
}

func (s *planeSource) Plane(channel int, region image.Rectangle) ([]byte, error) {
	if !s.img.useCache {
		return s.reader.ReadPlane(channel, region)
	}
	h := s.img.handle
	key := cache.TileKey{
		ImageID: h.ImageID,
		Series:  h.Series,
		Z:       h.Z,
		T:       h.T,
		Level:   s.reader.Level(),
		Channel: channel,
		Region:  region,
	}
	if h.Mode == pyramid.ModeRGB {
		key.Channel = cache.CompositeChannel
	}
	if plane, ok := s.img.mgr.planes.Get(key); ok {
		return plane, nil
	}
	plane, err := s.reader.ReadPlane(channel, region)
	if err != nil {
		return nil, err
	}
	s.img.mgr.planes.Put(key, plane)
	return plane, nil
}

func clone(f []float64) []float64 {
	if f == nil {
		return nil
	}
	return append([]float64(nil), f...)
}

// Worker renders tiles with a reader owned by one goroutine.
type Worker struct {
	img    *Image
	reader *pyramid.Reader
}

// GetTile renders a tile with the image's current contributions.
func (w *Worker) GetTile(tileX, tileY int) (*image.RGBA, error) {
	return w.GetTileWith(tileX, tileY, nil)
}

// GetTileWith renders a tile with per-call contributions.
func (w *Worker) GetTileWith(tileX, tileY int, contributions []float64) (*image.RGBA, error) {
	if err := w.img.enter(); err != nil {
		return nil, err
	}
	defer w.img.leave()
	return w.img.tile(w.reader, tileX, tileY, contributions)
}
