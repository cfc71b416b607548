package local

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omero-tiles/server/internal/store"
)

func gradientPlanes(md store.PixelMetadata) PlaneFunc {
	return func(_, level, c, _, _ int) []byte {
		geo := md.Levels[level]
		bps := md.BytesPerSample()
		out := make([]byte, geo.Width*geo.Height*md.Bands()*bps)
		for y := 0; y < geo.Height; y++ {
			for x := 0; x < geo.Width; x++ {
				store.PutSample(out, y*geo.Width+x, bps, uint32(1000*c+x+10*y))
			}
		}
		return out
	}
}

func writeFixture(t *testing.T) (string, store.PixelMetadata) {
	t.Helper()
	root := t.TempDir()
	w, err := NewWriter(root)
	require.NoError(t, err)
	defer w.Close()

	md := store.PixelMetadata{
		Levels:       []store.LevelGeometry{{Width: 40, Height: 20}, {Width: 20, Height: 10}},
		SizeC:        2,
		SizeZ:        1,
		SizeT:        1,
		BitDepth:     16,
		ChannelNames: []string{"DAPI", "FITC"},
	}
	require.NoError(t, w.WriteImage(3, 77, store.ImageMetadata{Name: "slide", Series: []store.PixelMetadata{md}}, gradientPlanes(md)))
	require.NoError(t, w.WriteEntity(1, store.KindDataset, 5))
	return root, md
}

func TestPartitionsAndExists(t *testing.T) {
	root, _ := writeFixture(t)
	b, err := New(Config{Root: root})
	require.NoError(t, err)
	defer b.Close()

	parts, err := b.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []store.PartitionID{1, 3}, parts)

	s, err := b.Connect(3)
	require.NoError(t, err)
	ok, err := s.Exists(store.KindImage, 77)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Exists(store.KindDataset, 5)
	require.NoError(t, err)
	assert.False(t, ok)

	s1, err := b.Connect(1)
	require.NoError(t, err)
	ok, err = s1.Exists(store.KindDataset, 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEqual(t, s.ID(), s1.ID())

	_, err = b.Connect(9)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReadPlaneCrops(t *testing.T) {
	root, _ := writeFixture(t)
	b, err := New(Config{Root: root})
	require.NoError(t, err)
	defer b.Close()

	s, err := b.Connect(3)
	require.NoError(t, err)
	md, err := s.PixelMetadata(77)
	require.NoError(t, err)
	assert.Equal(t, "slide", md.Name)
	assert.Equal(t, []string{"DAPI", "FITC"}, md.Series[0].ChannelNames)

	px, err := s.OpenPixels(77, 0)
	require.NoError(t, err)
	defer px.Close()

	require.NoError(t, px.SetResolution(1))
	assert.Equal(t, 1, px.Resolution())
	plane, err := px.ReadPlane(1, 0, 0, image.Rect(2, 3, 5, 5))
	require.NoError(t, err)
	require.Len(t, plane, 3*2*2)
	assert.Equal(t, uint32(1000+2+30), store.Sample(plane, 0, 2))
	assert.Equal(t, uint32(1000+4+40), store.Sample(plane, 5, 2))

	_, err = px.ReadPlane(0, 0, 0, image.Rect(0, 0, 40, 20))
	assert.ErrorIs(t, err, store.ErrNotFound, "level 1 is only 20x10")
	_, err = px.ReadPlane(2, 0, 0, image.Rect(0, 0, 1, 1))
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = px.ReadPlane(0, 0, 1, image.Rect(0, 0, 1, 1))
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, px.SetResolution(2), store.ErrNotFound)
}

func TestMissingImageAndSeries(t *testing.T) {
	root, _ := writeFixture(t)
	b, err := New(Config{Root: root})
	require.NoError(t, err)
	defer b.Close()

	s, err := b.Connect(1)
	require.NoError(t, err)
	_, err = s.PixelMetadata(77)
	assert.ErrorIs(t, err, store.ErrNotFound)

	s3, err := b.Connect(3)
	require.NoError(t, err)
	_, err = s3.OpenPixels(77, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s3.Close())
	assert.False(t, s3.Alive())
	_, err = s3.PixelMetadata(77)
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestWriteImageRejectsShortPlanes(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	defer w.Close()

	md := store.PixelMetadata{Levels: []store.LevelGeometry{{Width: 4, Height: 4}}, SizeC: 1, BitDepth: 8}
	err = w.WriteImage(1, 1, store.ImageMetadata{Series: []store.PixelMetadata{md}}, func(_, _, _, _, _ int) []byte {
		return make([]byte, 3)
	})
	assert.Error(t, err)
}

func TestNewRejectsMissingRoot(t *testing.T) {
	_, err := New(Config{Root: t.TempDir() + "/missing"})
	assert.Error(t, err)
}
