package local

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"github.com/omero-tiles/server/internal/store"
)

// PlaneFunc returns the full raw plane of one level, channel and focal plane.
type PlaneFunc func(series, level, c, z, t int) []byte

// Writer lays out images and entities in the local store format.
type Writer struct {
	root    string
	encoder *zstd.Encoder
}

// NewWriter creates a writer rooted at root, creating it if needed.
func NewWriter(root string) (*Writer, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &Writer{root: root, encoder: enc}, nil
}

// Close releases the encoder.
func (w *Writer) Close() error {
	return w.encoder.Close()
}

// WriteEntity registers a non-image entity in partition p.
func (w *Writer) WriteEntity(p store.PartitionID, kind store.EntityKind, id int64) error {
	path := entityPath(w.partitionDir(p), kind, id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, nil, 0o644)
}

// WriteImage writes metadata and every plane of every series, level,
// channel, z and t.
func (w *Writer) WriteImage(p store.PartitionID, id int64, md store.ImageMetadata, planes PlaneFunc) error {
	dir := entityPath(w.partitionDir(p), store.KindImage, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0o644); err != nil {
		return err
	}

	for s, pm := range md.Series {
		seriesDir := filepath.Join(dir, "s"+strconv.Itoa(s))
		for level, geo := range pm.Levels {
			if err := os.MkdirAll(filepath.Join(seriesDir, "l"+strconv.Itoa(level)), 0o755); err != nil {
				return err
			}
			want := geo.Width * geo.Height * pm.Bands() * pm.BytesPerSample()
			for c := 0; c < pm.SizeC; c++ {
				for z := 0; z < max(1, pm.SizeZ); z++ {
					for t := 0; t < max(1, pm.SizeT); t++ {
						raw := planes(s, level, c, z, t)
						if len(raw) != want {
							return fmt.Errorf("series %d level %d channel %d: plane is %d bytes, want %d", s, level, c, len(raw), want)
						}
						path := planePath(seriesDir, level, c, z, t)
						if err := os.WriteFile(path, w.encoder.EncodeAll(raw, nil), 0o644); err != nil {
							return err
						}
					}
				}
			}
		}
	}
	return nil
}

func (w *Writer) partitionDir(p store.PartitionID) string {
	return filepath.Join(w.root, strconv.FormatInt(int64(p), 10))
}
