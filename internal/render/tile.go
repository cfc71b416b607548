// Package render encodes composited tiles and draws placeholder tiles using
// fogleman/gg.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"

	"github.com/fogleman/gg"
)

// Config contains renderer configuration.
type Config struct {
	TileWidth  int
	TileHeight int
}

// TileRenderer encodes rasters to PNG with pooled buffers.
type TileRenderer struct {
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewTileRenderer creates a new tile renderer.
func NewTileRenderer(cfg Config) *TileRenderer {
	if cfg.TileWidth <= 0 {
		cfg.TileWidth = 512
	}
	if cfg.TileHeight <= 0 {
		cfg.TileHeight = cfg.TileWidth
	}
	return &TileRenderer{
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.TileWidth, cfg.TileHeight)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

var placeholderBackground = color.RGBA{R: 48, G: 48, B: 48, A: 255}
var placeholderMark = color.RGBA{R: 200, G: 60, B: 60, A: 255}

// Encode encodes img as PNG.
func (r *TileRenderer) Encode(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	if err := encodePNG(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// encodePNG writes img with the fast PNG encoder.
func encodePNG(w io.Writer, img image.Image) error {
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	return encoder.Encode(w, img)
}

// Placeholder renders the tile shown in place of a tile that failed to
// decode: a dark square crossed out, with label drawn in the middle.
func (r *TileRenderer) Placeholder(label string) ([]byte, error) {
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	drawPlaceholder(dc, label)
	return r.Encode(dc.Image())
}

func drawPlaceholder(dc *gg.Context, label string) {
	w := float64(dc.Width())
	h := float64(dc.Height())

	dc.SetColor(placeholderBackground)
	dc.Clear()

	dc.SetColor(placeholderMark)
	dc.SetLineWidth(4)
	dc.DrawRectangle(2, 2, w-4, h-4)
	dc.Stroke()
	dc.DrawLine(0, 0, w, h)
	dc.DrawLine(w, 0, 0, h)
	dc.Stroke()

	if label != "" {
		dc.SetColor(color.White)
		dc.DrawStringAnchored(label, w/2, h/2, 0.5, 0.5)
	}
}
