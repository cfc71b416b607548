// Package composite turns decoded channel planes into display RGB tiles.
package composite

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/omero-tiles/server/internal/calibrate"
	"github.com/omero-tiles/server/internal/pyramid"
	"github.com/omero-tiles/server/internal/store"
	"github.com/omero-tiles/server/pkg/colormap"
)

// Background fills tile pixels outside the image.
var Background = color.RGBA{A: 255}

// ErrUncalibrated is wrapped in a *calibrate.CalibrationError when high bit
// depth channels would be composited without a display window.
var ErrUncalibrated = errors.New("no calibration for high bit depth channels")

// activeThreshold is the smallest contribution magnitude that renders a channel.
const activeThreshold = 1e-5

// PlaneSource provides raw channel planes for a region of the open level.
type PlaneSource interface {
	Plane(channel int, region image.Rectangle) ([]byte, error)
}

// Options controls how channels are merged.
type Options struct {
	// Contributions weights each channel. Nil renders every channel at
	// weight 1.
	Contributions []float64
	// Hues assigns a hue per channel.
	Hues []colormap.Hue
	// Ranges holds the calibration window per channel; required when the
	// handle needs calibration.
	Ranges []calibrate.Range
}

// Active reports whether channel c contributes to the composite.
func (o *Options) Active(c int) bool {
	if o.Contributions == nil {
		return true
	}
	if c >= len(o.Contributions) {
		return false
	}
	return math.Abs(o.Contributions[c]) > activeThreshold
}

// Compose renders region of h into a tile-sized raster. region must be the
// clipped tile region; the rest of the raster is Background. Planes are
// requested only for the region.
func Compose(h *pyramid.Handle, src PlaneSource, region image.Rectangle, opts Options) (*image.RGBA, error) {
	dst := image.NewRGBA(image.Rect(0, 0, h.TileWidth, h.TileHeight))
	fill(dst, Background)
	if region.Empty() {
		return dst, nil
	}
	if h.NeedsCalibration() && len(opts.Ranges) < h.Channels {
		return nil, &calibrate.CalibrationError{
			Key: calibrate.Key{ImageID: h.ImageID, Series: h.Series},
			Err: ErrUncalibrated,
		}
	}

	var err error
	switch h.Mode {
	case pyramid.ModeRGB:
		err = composeRGB(dst, h, src, region)
	case pyramid.ModeMergedRGB:
		err = composeMerged(dst, h, src, region)
	case pyramid.ModeGray:
		err = composeGray(dst, h, src, region, opts)
	default:
		err = composeChannels(dst, h, src, region, opts)
	}
	if err != nil {
		return nil, err
	}
	return dst, nil
}

func fill(dst *image.RGBA, c color.RGBA) {
	p := dst.Pix
	for i := 0; i < len(p); i += 4 {
		p[i], p[i+1], p[i+2], p[i+3] = c.R, c.G, c.B, c.A
	}
}

// to8 reduces a raw sample to its top 8 significant bits.
func to8(s uint32, bitDepth int) uint8 {
	if bitDepth <= 8 {
		return uint8(s)
	}
	return uint8(s >> (bitDepth - 8))
}

func composeRGB(dst *image.RGBA, h *pyramid.Handle, src PlaneSource, region image.Rectangle) error {
	plane, err := src.Plane(0, region)
	if err != nil {
		return err
	}
	if h.Bands < 3 {
		return fmt.Errorf("rgb plane has %d bands", h.Bands)
	}
	w := region.Dx()
	for y := 0; y < region.Dy(); y++ {
		for x := 0; x < w; x++ {
			base := (y*w + x) * h.Bands
			off := dst.PixOffset(x, y)
			for b := 0; b < 3; b++ {
				dst.Pix[off+b] = to8(store.Sample(plane, base+b, h.BytesPerSample), h.BitDepth)
			}
		}
	}
	return nil
}

func composeMerged(dst *image.RGBA, h *pyramid.Handle, src PlaneSource, region image.Rectangle) error {
	w := region.Dx()
	for b := 0; b < 3; b++ {
		plane, err := src.Plane(b, region)
		if err != nil {
			return err
		}
		for y := 0; y < region.Dy(); y++ {
			for x := 0; x < w; x++ {
				dst.Pix[dst.PixOffset(x, y)+b] = to8(store.Sample(plane, y*w+x, h.BytesPerSample), h.BitDepth)
			}
		}
	}
	return nil
}

func composeGray(dst *image.RGBA, h *pyramid.Handle, src PlaneSource, region image.Rectangle, opts Options) error {
	plane, err := src.Plane(0, region)
	if err != nil {
		return err
	}
	calibrated := h.NeedsCalibration()
	w := region.Dx()
	for y := 0; y < region.Dy(); y++ {
		for x := 0; x < w; x++ {
			s := store.Sample(plane, (y*w+x)*h.Bands, h.BytesPerSample)
			var v uint8
			if calibrated {
				v = opts.Ranges[0].Scale(s)
			} else {
				v = to8(s, h.BitDepth)
			}
			off := dst.PixOffset(x, y)
			dst.Pix[off], dst.Pix[off+1], dst.Pix[off+2] = v, v, v
		}
	}
	return nil
}

// composeChannels adds each active channel's hue at its scaled intensity,
// clamping every component at 255.
func composeChannels(dst *image.RGBA, h *pyramid.Handle, src PlaneSource, region image.Rectangle, opts Options) error {
	calibrated := h.NeedsCalibration()
	w := region.Dx()
	for c := 0; c < h.Channels; c++ {
		if !opts.Active(c) {
			continue
		}
		plane, err := src.Plane(c, region)
		if err != nil {
			return err
		}
		hue := colormap.HueFor("", c)
		if c < len(opts.Hues) {
			hue = opts.Hues[c]
		}
		var lut [256]color.RGBA
		for i := range lut {
			lut[i] = colormap.HSB(hue, 1, float64(i)/255)
		}

		for y := 0; y < region.Dy(); y++ {
			for x := 0; x < w; x++ {
				base := (y*w + x) * h.Bands
				s := 0
				for b := 0; b < h.Bands; b++ {
					raw := store.Sample(plane, base+b, h.BytesPerSample)
					if calibrated {
						s += int(opts.Ranges[c].Scale(raw))
					} else {
						s += int(raw)
					}
				}
				if opts.Contributions != nil {
					s = int(float64(s) * opts.Contributions[c])
				}
				col := lut[min(max(s, 0), 255)]
				off := dst.PixOffset(x, y)
				dst.Pix[off] = add(dst.Pix[off], col.R)
				dst.Pix[off+1] = add(dst.Pix[off+1], col.G)
				dst.Pix[off+2] = add(dst.Pix[off+2], col.B)
			}
		}
	}
	return nil
}

func add(a, b uint8) uint8 {
	if s := int(a) + int(b); s < 255 {
		return uint8(s)
	}
	return 255
}
