package composite

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omero-tiles/server/internal/calibrate"
	"github.com/omero-tiles/server/internal/pyramid"
	"github.com/omero-tiles/server/internal/store"
	"github.com/omero-tiles/server/pkg/colormap"
)

// fakeSource generates constant planes per channel and records requests.
type fakeSource struct {
	h        *pyramid.Handle
	values   [][]uint32 // per channel, per band
	requests map[int]int
}

func newSource(h *pyramid.Handle, values ...[]uint32) *fakeSource {
	return &fakeSource{h: h, values: values, requests: make(map[int]int)}
}

func (f *fakeSource) Plane(channel int, region image.Rectangle) ([]byte, error) {
	f.requests[channel]++
	bands := f.h.Bands
	out := make([]byte, store.PlaneSize(region, bands, f.h.BytesPerSample))
	n := region.Dx() * region.Dy()
	for i := 0; i < n; i++ {
		for b := 0; b < bands; b++ {
			store.PutSample(out, i*bands+b, f.h.BytesPerSample, f.values[channel][b])
		}
	}
	return out, nil
}

func handle(mode pyramid.Mode, channels, bitDepth, bands int) *pyramid.Handle {
	bps := 1
	if bitDepth > 8 {
		bps = (bitDepth + 7) / 8
	}
	return &pyramid.Handle{
		ImageID:        1,
		Width:          600,
		Height:         600,
		TileWidth:      512,
		TileHeight:     512,
		Channels:       channels,
		BitDepth:       bitDepth,
		BytesPerSample: bps,
		Bands:          bands,
		Mode:           mode,
	}
}

func TestComposeMergedRGBIsUnmodified(t *testing.T) {
	h := handle(pyramid.ModeMergedRGB, 3, 8, 1)
	src := newSource(h, []uint32{10}, []uint32{20}, []uint32{30})

	img, err := Compose(h, src, h.TileRegion(0, 0), Options{})
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 10, G: 20, B: 30, A: 255}, img.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 10, G: 20, B: 30, A: 255}, img.RGBAAt(511, 511))
}

func TestComposeMergedRGB16Downshifts(t *testing.T) {
	h := handle(pyramid.ModeMergedRGB, 3, 16, 1)
	require.False(t, h.NeedsCalibration())
	src := newSource(h, []uint32{0x0AFF}, []uint32{0x8000}, []uint32{0xFFFF})

	img, err := Compose(h, src, h.TileRegion(0, 0), Options{})
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 0x0A, G: 0x80, B: 0xFF, A: 255}, img.RGBAAt(7, 9))
}

func TestComposeNativeRGB(t *testing.T) {
	h := handle(pyramid.ModeRGB, 1, 16, 3)
	src := newSource(h, []uint32{0xAB00, 0x1234, 0xFFFF})

	img, err := Compose(h, src, h.TileRegion(0, 0), Options{})
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 0xAB, G: 0x12, B: 0xFF, A: 255}, img.RGBAAt(3, 4))
}

func TestComposeCalibratedBlueChannel(t *testing.T) {
	h := handle(pyramid.ModeComposite, 2, 16, 1)
	src := newSource(h, []uint32{4095}, []uint32{0})

	img, err := Compose(h, src, h.TileRegion(0, 0), Options{
		Contributions: []float64{1, 1},
		Hues:          []colormap.Hue{colormap.Blue, colormap.Green},
		Ranges:        []calibrate.Range{{Min: 0, Max: 4095}, {Min: 0, Max: 4095}},
	})
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{B: 255, A: 255}, img.RGBAAt(0, 0))
}

func TestComposeAdditiveClamp(t *testing.T) {
	h := handle(pyramid.ModeComposite, 2, 8, 1)
	src := newSource(h, []uint32{200}, []uint32{200})

	img, err := Compose(h, src, h.TileRegion(0, 0), Options{
		Hues: []colormap.Hue{colormap.Red, colormap.Magenta},
	})
	require.NoError(t, err)
	px := img.RGBAAt(10, 10)
	assert.Equal(t, uint8(255), px.R, "200+200 clamps")
	assert.Equal(t, uint8(0), px.G)
	assert.Equal(t, uint8(200), px.B)
}

func TestComposeContributionWeights(t *testing.T) {
	h := handle(pyramid.ModeComposite, 3, 8, 1)
	src := newSource(h, []uint32{200}, []uint32{100}, []uint32{250})

	img, err := Compose(h, src, h.TileRegion(0, 0), Options{
		Contributions: []float64{0.5, 0, -1},
		Hues:          []colormap.Hue{colormap.Red, colormap.Green, colormap.Blue},
	})
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 100, A: 255}, img.RGBAAt(0, 0))
	assert.Zero(t, src.requests[1], "inactive channels are not decoded")
	assert.Equal(t, 1, src.requests[2])
}

func TestComposeMultiBandChannelSumsBands(t *testing.T) {
	h := handle(pyramid.ModeComposite, 2, 8, 2)
	src := newSource(h, []uint32{100, 100}, []uint32{0, 0})

	img, err := Compose(h, src, h.TileRegion(0, 0), Options{
		Hues: []colormap.Hue{colormap.Green, colormap.Red},
	})
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{G: 200, A: 255}, img.RGBAAt(0, 0))
}

func TestComposePadsBorderTile(t *testing.T) {
	h := handle(pyramid.ModeComposite, 2, 8, 1)
	src := newSource(h, []uint32{255}, []uint32{0})

	region := h.TileRegion(1, 0)
	require.Equal(t, 88, region.Dx())
	img, err := Compose(h, src, region, Options{Hues: []colormap.Hue{colormap.Red, colormap.Green}})
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 512, 512), img.Bounds())

	for y := 0; y < 512; y += 37 {
		assert.Equal(t, color.RGBA{R: 255, A: 255}, img.RGBAAt(87, y))
		for x := 88; x < 512; x++ {
			if img.RGBAAt(x, y) != Background {
				t.Fatalf("pixel (%d,%d) = %v, want background", x, y, img.RGBAAt(x, y))
			}
		}
	}
	// rows below the image are padded too
	_, err = Compose(h, src, h.TileRegion(1, 1), Options{})
	require.NoError(t, err)
}

func TestComposeEmptyRegion(t *testing.T) {
	h := handle(pyramid.ModeComposite, 2, 8, 1)
	src := newSource(h, []uint32{255}, []uint32{0})

	img, err := Compose(h, src, h.TileRegion(5, 5), Options{})
	require.NoError(t, err)
	assert.Equal(t, Background, img.RGBAAt(0, 0))
	assert.Empty(t, src.requests)
}

func TestComposeRefusesUncalibrated(t *testing.T) {
	h := handle(pyramid.ModeComposite, 2, 16, 1)
	src := newSource(h, []uint32{1}, []uint32{1})

	_, err := Compose(h, src, h.TileRegion(0, 0), Options{})
	var ce *calibrate.CalibrationError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, ErrUncalibrated)
	assert.Empty(t, src.requests)
}

func TestComposeGray(t *testing.T) {
	h := handle(pyramid.ModeGray, 1, 16, 1)
	src := newSource(h, []uint32{600})

	img, err := Compose(h, src, h.TileRegion(0, 0), Options{
		Ranges: []calibrate.Range{{Min: 100, Max: 1100}},
	})
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 128, G: 128, B: 128, A: 255}, img.RGBAAt(0, 0))

	h8 := handle(pyramid.ModeGray, 1, 8, 1)
	img, err = Compose(h8, newSource(h8, []uint32{77}), h8.TileRegion(0, 0), Options{})
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 77, G: 77, B: 77, A: 255}, img.RGBAAt(0, 0))
}

func TestOptionsActive(t *testing.T) {
	var all Options
	assert.True(t, all.Active(7))

	o := Options{Contributions: []float64{1, 1e-6, -0.5}}
	assert.True(t, o.Active(0))
	assert.False(t, o.Active(1))
	assert.True(t, o.Active(2))
	assert.False(t, o.Active(3))
}
