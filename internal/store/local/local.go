// Package local implements a partitioned image store on the local
// filesystem.
//
// Layout under the root directory:
//
//	<partition>/images/<id>/metadata.json
//	<partition>/images/<id>/s<series>/l<level>/c<c>_z<z>_t<t>.zst
//	<partition>/{datasets,projects,annotations}/<id>
//
// Partition directories are named by their numeric id. Plane files hold a
// full level plane, row-major with bands interleaved and big-endian samples,
// compressed with zstd.
package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/omero-tiles/server/internal/store"
)

// DefaultPlaneCacheEntries is the number of decompressed planes kept in memory.
const DefaultPlaneCacheEntries = 16

// Config contains local store configuration.
type Config struct {
	Root              string
	PlaneCacheEntries int
	Logger            *zap.Logger
}

// Backend serves images from a directory tree.
type Backend struct {
	root    string
	decoder *zstd.Decoder
	planes  *lru.Cache[string, []byte]
	log     *zap.Logger
}

// New opens the store rooted at cfg.Root.
func New(cfg Config) (*Backend, error) {
	info, err := os.Stat(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("store root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("store root %s is not a directory", cfg.Root)
	}
	if cfg.PlaneCacheEntries <= 0 {
		cfg.PlaneCacheEntries = DefaultPlaneCacheEntries
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	planes, err := lru.New[string, []byte](cfg.PlaneCacheEntries)
	if err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to create plane cache: %w", err)
	}
	return &Backend{
		root:    cfg.Root,
		decoder: decoder,
		planes:  planes,
		log:     log.Named("local"),
	}, nil
}

// Close releases the decoder.
func (b *Backend) Close() {
	b.decoder.Close()
}

// Partitions lists partition directories in ascending id order.
func (b *Backend) Partitions() ([]store.PartitionID, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	var out []store.PartitionID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, store.PartitionID(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Connect opens a session on partition p.
func (b *Backend) Connect(p store.PartitionID) (store.Session, error) {
	dir := b.partitionDir(p)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("partition %d: %w", p, store.ErrNotFound)
		}
		return nil, fmt.Errorf("partition %d: %w", p, err)
	}
	s := &session{id: uuid.NewString(), partition: p, dir: dir, backend: b}
	b.log.Debug("session opened", zap.Int64("partition", int64(p)), zap.String("session", s.id))
	return s, nil
}

func (b *Backend) partitionDir(p store.PartitionID) string {
	return filepath.Join(b.root, strconv.FormatInt(int64(p), 10))
}

// readPlane returns a decompressed full plane, served from the LRU when
// possible. The returned slice is shared.
func (b *Backend) readPlane(path string) ([]byte, error) {
	if data, ok := b.planes.Get(path); ok {
		return data, nil
	}
	compressed, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("plane %s: %w", filepath.Base(path), store.ErrNotFound)
		}
		return nil, err
	}
	data, err := b.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	b.planes.Add(path, data)
	return data, nil
}

type session struct {
	id        string
	partition store.PartitionID
	dir       string
	backend   *Backend
	closed    atomic.Bool
}

func (s *session) ID() string                   { return s.id }
func (s *session) Partition() store.PartitionID { return s.partition }
func (s *session) Alive() bool                  { return !s.closed.Load() }

func (s *session) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *session) Exists(kind store.EntityKind, id int64) (bool, error) {
	if s.closed.Load() {
		return false, store.ErrClosed
	}
	_, err := os.Stat(entityPath(s.dir, kind, id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *session) PixelMetadata(imageID int64) (*store.ImageMetadata, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	return readMetadata(entityPath(s.dir, store.KindImage, imageID))
}

func (s *session) OpenPixels(imageID int64, series int) (store.PixelStore, error) {
	md, err := s.PixelMetadata(imageID)
	if err != nil {
		return nil, err
	}
	if series < 0 || series >= len(md.Series) {
		return nil, fmt.Errorf("series %d: %w", series, store.ErrNotFound)
	}
	return &pixels{
		session: s,
		dir:     filepath.Join(entityPath(s.dir, store.KindImage, imageID), "s"+strconv.Itoa(series)),
		md:      md.Series[series],
	}, nil
}

func entityPath(dir string, kind store.EntityKind, id int64) string {
	return filepath.Join(dir, kind.String()+"s", strconv.FormatInt(id, 10))
}

func readMetadata(imageDir string) (*store.ImageMetadata, error) {
	data, err := os.ReadFile(filepath.Join(imageDir, "metadata.json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("image %s: %w", filepath.Base(imageDir), store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read metadata.json: %w", err)
	}
	var md store.ImageMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("failed to parse metadata.json: %w", err)
	}
	return &md, nil
}

type pixels struct {
	session *session
	dir     string
	md      store.PixelMetadata
	level   int
	closed  bool
}

func (p *pixels) SetResolution(level int) error {
	if level < 0 || level >= len(p.md.Levels) {
		return fmt.Errorf("resolution %d: %w", level, store.ErrNotFound)
	}
	p.level = level
	return nil
}

func (p *pixels) Resolution() int { return p.level }

func (p *pixels) ReadPlane(channel, z, t int, region image.Rectangle) ([]byte, error) {
	if p.closed || p.session.closed.Load() {
		return nil, store.ErrClosed
	}
	if channel < 0 || channel >= p.md.SizeC {
		return nil, fmt.Errorf("channel %d: %w", channel, store.ErrNotFound)
	}
	full, err := p.session.backend.readPlane(planePath(p.dir, p.level, channel, z, t))
	if err != nil {
		return nil, err
	}
	geo := p.md.Levels[p.level]
	return store.CropPlane(full, geo.Width, geo.Height, region, p.md.Bands(), p.md.BytesPerSample())
}

func (p *pixels) Close() error {
	p.closed = true
	return nil
}

func planePath(seriesDir string, level, c, z, t int) string {
	return filepath.Join(seriesDir, "l"+strconv.Itoa(level), fmt.Sprintf("c%d_z%d_t%d.zst", c, z, t))
}
