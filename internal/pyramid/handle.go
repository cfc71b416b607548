package pyramid

import (
	"image"
	"math"

	"github.com/omero-tiles/server/internal/store"
)

// DefaultLevelTolerance is the maximum aspect-ratio difference from level 0
// for a remote level to count as a pyramid level.
const DefaultLevelTolerance = 0.05

// Mode selects how channel planes become an RGB raster.
type Mode int

const (
	// ModeComposite merges independent fluorescence channels by hue.
	ModeComposite Mode = iota
	// ModeRGB is natively interleaved RGB data in one plane.
	ModeRGB
	// ModeMergedRGB treats three single-band channels as one RGB plane.
	ModeMergedRGB
	// ModeGray is a single grayscale channel.
	ModeGray
)

func (m Mode) String() string {
	switch m {
	case ModeComposite:
		return "composite"
	case ModeRGB:
		return "rgb"
	case ModeMergedRGB:
		return "merged-rgb"
	case ModeGray:
		return "gray"
	}
	return "unknown"
}

// Handle describes an opened image. It is immutable after open.
type Handle struct {
	ImageID   int64
	Partition store.PartitionID
	Name      string

	Level  int
	Series int
	Z, T   int

	// Width and Height are the pixel size at Level.
	Width  int
	Height int

	TileWidth  int
	TileHeight int

	// Levels holds the accepted pyramid levels, finest first.
	Levels    []store.LevelGeometry
	NumLevels int

	Channels       int
	ChannelNames   []string
	BitDepth       int
	BytesPerSample int
	Bands          int
	RGBNative      bool
	Mode           Mode
}

// NeedsCalibration reports whether channel samples must be rescaled from a
// calibrated (min, max) window before display.
func (h *Handle) NeedsCalibration() bool {
	return h.BitDepth >= 16 && (h.Mode == ModeComposite || h.Mode == ModeGray)
}

// CoarsestLevel returns the index of the smallest accepted level.
func (h *Handle) CoarsestLevel() int {
	return h.NumLevels - 1
}

// TilesX returns the number of tile columns at the opened level.
func (h *Handle) TilesX() int {
	return (h.Width + h.TileWidth - 1) / h.TileWidth
}

// TilesY returns the number of tile rows at the opened level.
func (h *Handle) TilesY() int {
	return (h.Height + h.TileHeight - 1) / h.TileHeight
}

// TileRegion returns the part of tile (tileX, tileY) that lies inside the
// image. Border tiles yield a region smaller than the tile size; tiles past
// the border yield an empty region.
func (h *Handle) TileRegion(tileX, tileY int) image.Rectangle {
	x := tileX * h.TileWidth
	y := tileY * h.TileHeight
	r := image.Rect(x, y, x+h.TileWidth, y+h.TileHeight)
	return r.Intersect(image.Rect(0, 0, h.Width, h.Height))
}

// CountLevels returns how many levels have an aspect ratio within tol of
// level 0. Label and overview images appended to a pyramid are excluded.
func CountLevels(levels []store.LevelGeometry, tol float64) int {
	if len(levels) == 0 {
		return 0
	}
	ratio := levels[0].Aspect()
	n := 0
	for _, lev := range levels {
		if math.Abs(lev.Aspect()-ratio) < tol {
			n++
		}
	}
	return n
}

// acceptedLevels returns the first n levels. Accepted levels are expected to
// precede any excluded ones.
func acceptedLevels(levels []store.LevelGeometry, n int) []store.LevelGeometry {
	out := make([]store.LevelGeometry, n)
	copy(out, levels[:n])
	return out
}

func detectMode(md *store.PixelMetadata) Mode {
	switch {
	case md.RGB || (md.SizeC == 1 && md.Bands() >= 3):
		return ModeRGB
	case md.SizeC == 3 && md.Bands() == 1:
		return ModeMergedRGB
	case md.SizeC > 1:
		return ModeComposite
	default:
		return ModeGray
	}
}
