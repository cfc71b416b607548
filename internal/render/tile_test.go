package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRoundTripsPixels(t *testing.T) {
	r := NewTileRenderer(Config{TileWidth: 16, TileHeight: 8})

	img := image.NewRGBA(image.Rect(0, 0, 16, 8))
	img.SetRGBA(3, 2, color.RGBA{R: 1, G: 2, B: 3, A: 255})

	data, err := r.Encode(img)
	require.NoError(t, err)
	decoded, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 8), decoded.Bounds())
	gotR, gotG, gotB, _ := decoded.At(3, 2).RGBA()
	assert.Equal(t, []uint32{1, 2, 3}, []uint32{gotR >> 8, gotG >> 8, gotB >> 8})

	again, err := r.Encode(img)
	require.NoError(t, err)
	assert.Equal(t, data, again, "pooled buffers do not leak between encodes")
}

func TestPlaceholderHasTileSize(t *testing.T) {
	r := NewTileRenderer(Config{TileWidth: 64, TileHeight: 32})

	data, err := r.Placeholder("decode failed")
	require.NoError(t, err)
	decoded, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 32), decoded.Bounds())

	_, _, _, a := decoded.At(20, 5).RGBA()
	assert.Equal(t, uint32(0xffff), a)
}
