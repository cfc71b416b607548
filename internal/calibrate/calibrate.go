// Package calibrate computes per-channel display windows for high bit depth
// images from a single pass over the coarsest pyramid level.
package calibrate

import (
	"fmt"
	"image"
	"math"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/omero-tiles/server/internal/metrics"
	"github.com/omero-tiles/server/internal/pyramid"
	"github.com/omero-tiles/server/internal/store"
)

// Range is the observed sample window of one channel.
type Range struct {
	Min uint32 `json:"min"`
	Max uint32 `json:"max"`
}

// Scale maps a raw sample into 0..255 using the window. Samples at or below
// Min map to 0, at or above Max to 255.
func (r Range) Scale(s uint32) uint8 {
	if s <= r.Min {
		return 0
	}
	if s >= r.Max {
		return 255
	}
	return uint8(int(float64(s-r.Min) / float64(r.Max-r.Min) * 256))
}

// Key identifies one calibration.
type Key struct {
	ImageID int64
	Series  int
}

func (k Key) String() string {
	return strconv.FormatInt(k.ImageID, 10) + "/" + strconv.Itoa(k.Series)
}

// CalibrationError reports a failed calibration pass. Failures are not
// remembered, so a later call tries again.
type CalibrationError struct {
	Key Key
	Err error
}

func (e *CalibrationError) Error() string {
	return fmt.Sprintf("calibrate image %d series %d: %v", e.Key.ImageID, e.Key.Series, e.Err)
}

func (e *CalibrationError) Unwrap() error { return e.Err }

// LevelOpener opens a reader at a given pyramid level. *pyramid.Opener
// implements it.
type LevelOpener interface {
	OpenLevel(h *pyramid.Handle, level int) (*pyramid.Reader, error)
}

// Calibrator memoizes channel ranges per (image, series). Concurrent requests
// for the same key share one pass.
type Calibrator struct {
	opener LevelOpener
	log    *zap.Logger

	ranges sync.Map // Key -> []Range
	group  singleflight.Group
}

// New creates a calibrator. A nil logger discards output.
func New(opener LevelOpener, log *zap.Logger) *Calibrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Calibrator{opener: opener, log: log.Named("calibrate")}
}

// Ranges returns the per-channel ranges for h's image and series, computing
// them on first use. The returned slice must not be modified.
func (c *Calibrator) Ranges(h *pyramid.Handle) ([]Range, error) {
	key := Key{ImageID: h.ImageID, Series: h.Series}
	if v, ok := c.ranges.Load(key); ok {
		return v.([]Range), nil
	}
	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		if v, ok := c.ranges.Load(key); ok {
			return v, nil
		}
		ranges, err := c.compute(h)
		if err != nil {
			metrics.Calibrations.WithLabelValues("failed").Inc()
			return nil, &CalibrationError{Key: key, Err: err}
		}
		metrics.Calibrations.WithLabelValues("ok").Inc()
		c.ranges.Store(key, ranges)
		return ranges, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Range), nil
}

// Cached returns memoized ranges without computing.
func (c *Calibrator) Cached(key Key) ([]Range, bool) {
	v, ok := c.ranges.Load(key)
	if !ok {
		return nil, false
	}
	return v.([]Range), true
}

// Forget drops the memoized ranges for key.
func (c *Calibrator) Forget(key Key) {
	c.ranges.Delete(key)
}

func (c *Calibrator) compute(h *pyramid.Handle) ([]Range, error) {
	level := h.CoarsestLevel()
	r, err := c.opener.OpenLevel(h, level)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	w, ht := r.Size()
	region := image.Rect(0, 0, w, ht)
	ranges := make([]Range, h.Channels)
	for ch := 0; ch < h.Channels; ch++ {
		plane, err := r.Read(ch, 0, 0, region)
		if err != nil {
			return nil, err
		}
		ranges[ch] = scan(plane, h.BytesPerSample)
	}
	c.log.Debug("calibrated",
		zap.Int64("image", h.ImageID), zap.Int("series", h.Series),
		zap.Int("level", level), zap.Any("ranges", ranges))
	return ranges, nil
}

// scan returns the min and max over every sample of the plane.
func scan(plane []byte, bps int) Range {
	n := len(plane) / bps
	if n == 0 {
		return Range{}
	}
	lo, hi := uint32(math.MaxUint32), uint32(0)
	for i := 0; i < n; i++ {
		s := store.Sample(plane, i, bps)
		lo = min(lo, s)
		hi = max(hi, s)
	}
	return Range{Min: lo, Max: hi}
}
