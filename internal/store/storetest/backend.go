// Package storetest provides an in-memory store.Backend for tests.
//
// Images are generated from a pixel function, every remote operation is
// counted, and faults (failing reads, failing levels, stale sessions, latency)
// can be injected to exercise retry and fallback paths.
package storetest

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/omero-tiles/server/internal/store"
)

// ErrInjected is the error returned by injected faults.
var ErrInjected = errors.New("storetest: injected failure")

// PixelFunc returns the sample value for one band of one pixel.
type PixelFunc func(series, level, c, z, t, x, y, band int) uint32

// Image is a synthetic image served by the fake backend.
type Image struct {
	Meta   store.ImageMetadata
	Pixels PixelFunc
}

// Counters records remote round trips.
type Counters struct {
	Connects      atomic.Int64
	Probes        atomic.Int64
	MetadataCalls atomic.Int64
	OpenPixels    atomic.Int64
	ClosedPixels  atomic.Int64
	PlaneReads    atomic.Int64
}

type entityKey struct {
	kind store.EntityKind
	id   int64
}

// Backend is an in-memory partitioned store.
type Backend struct {
	Counters Counters

	mu         sync.RWMutex
	partitions []store.PartitionID
	entities   map[entityKey]store.PartitionID
	images     map[int64]*Image
	sessions   []*session

	failReads   atomic.Int64
	failOpens   atomic.Int64
	failLevels  map[int]bool
	readDelay   time.Duration
	connectFail bool
}

// New creates an empty backend with the given partitions in probe order.
func New(partitions ...store.PartitionID) *Backend {
	return &Backend{
		partitions: partitions,
		entities:   make(map[entityKey]store.PartitionID),
		images:     make(map[int64]*Image),
		failLevels: make(map[int]bool),
	}
}

// AddEntity registers a non-image entity in a partition.
func (b *Backend) AddEntity(p store.PartitionID, kind store.EntityKind, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entities[entityKey{kind, id}] = p
}

// AddImage registers an image in a partition.
func (b *Backend) AddImage(p store.PartitionID, id int64, img *Image) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entities[entityKey{store.KindImage, id}] = p
	b.images[id] = img
}

// MoveEntity re-homes an entity to another partition.
func (b *Backend) MoveEntity(kind store.EntityKind, id int64, p store.PartitionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entities[entityKey{kind, id}] = p
}

// FailNextReads makes the next n plane reads fail.
func (b *Backend) FailNextReads(n int) { b.failReads.Store(int64(n)) }

// FailNextOpens makes the next n OpenPixels calls fail.
func (b *Backend) FailNextOpens(n int) { b.failOpens.Store(int64(n)) }

// FailLevel makes every read at level fail with a non-not-found error.
func (b *Backend) FailLevel(level int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failLevels[level] = true
}

// SetReadDelay adds latency to every plane read.
func (b *Backend) SetReadDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readDelay = d
}

// SetConnectFailure makes Connect fail while set.
func (b *Backend) SetConnectFailure(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectFail = fail
}

// KillSessions marks every session opened so far as stale.
func (b *Backend) KillSessions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions {
		s.dead.Store(true)
	}
}

// OpenPixelStores returns the number of pixel stores opened and not closed.
func (b *Backend) OpenPixelStores() int64 {
	return b.Counters.OpenPixels.Load() - b.Counters.ClosedPixels.Load()
}

// Partitions implements store.Backend.
func (b *Backend) Partitions() ([]store.PartitionID, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]store.PartitionID, len(b.partitions))
	copy(out, b.partitions)
	return out, nil
}

// Connect implements store.Backend.
func (b *Backend) Connect(p store.PartitionID) (store.Session, error) {
	b.Counters.Connects.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectFail {
		return nil, fmt.Errorf("connect partition %d: %w", p, ErrInjected)
	}
	s := &session{id: uuid.NewString(), partition: p, backend: b}
	b.sessions = append(b.sessions, s)
	return s, nil
}

func (b *Backend) consume(counter *atomic.Int64) bool {
	for {
		n := counter.Load()
		if n <= 0 {
			return false
		}
		if counter.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

type session struct {
	id        string
	partition store.PartitionID
	backend   *Backend
	dead      atomic.Bool
	closed    atomic.Bool
}

func (s *session) ID() string                   { return s.id }
func (s *session) Partition() store.PartitionID { return s.partition }
func (s *session) Alive() bool                  { return !s.dead.Load() && !s.closed.Load() }

func (s *session) check() error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	if s.dead.Load() {
		return fmt.Errorf("session %s stale: %w", s.id, ErrInjected)
	}
	return nil
}

func (s *session) Exists(kind store.EntityKind, id int64) (bool, error) {
	s.backend.Counters.Probes.Add(1)
	if err := s.check(); err != nil {
		return false, err
	}
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()
	p, ok := s.backend.entities[entityKey{kind, id}]
	return ok && p == s.partition, nil
}

func (s *session) lookup(imageID int64) (*Image, error) {
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()
	p, ok := s.backend.entities[entityKey{store.KindImage, imageID}]
	if !ok || p != s.partition {
		return nil, fmt.Errorf("image %d in partition %d: %w", imageID, s.partition, store.ErrNotFound)
	}
	return s.backend.images[imageID], nil
}

func (s *session) PixelMetadata(imageID int64) (*store.ImageMetadata, error) {
	s.backend.Counters.MetadataCalls.Add(1)
	if err := s.check(); err != nil {
		return nil, err
	}
	img, err := s.lookup(imageID)
	if err != nil {
		return nil, err
	}
	md := img.Meta
	return &md, nil
}

func (s *session) OpenPixels(imageID int64, series int) (store.PixelStore, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if s.backend.consume(&s.backend.failOpens) {
		return nil, fmt.Errorf("open pixels %d: %w", imageID, ErrInjected)
	}
	img, err := s.lookup(imageID)
	if err != nil {
		return nil, err
	}
	if series < 0 || series >= len(img.Meta.Series) {
		return nil, fmt.Errorf("series %d: %w", series, store.ErrNotFound)
	}
	s.backend.Counters.OpenPixels.Add(1)
	return &pixels{session: s, img: img, series: series, md: &img.Meta.Series[series]}, nil
}

func (s *session) Close() error {
	s.closed.Store(true)
	return nil
}

type pixels struct {
	session *session
	img     *Image
	series  int
	md      *store.PixelMetadata
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
	b := p.session.backend
	b.Counters.PlaneReads.Add(1)
	if p.closed {
		return nil, store.ErrClosed
	}
	b.mu.RLock()
	delay := b.readDelay
	failLevel := b.failLevels[p.level]
	b.mu.RUnlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err := p.session.check(); err != nil {
		return nil, err
	}
	if failLevel {
		return nil, fmt.Errorf("level %d unreadable: %w", p.level, ErrInjected)
	}
	if b.consume(&b.failReads) {
		return nil, fmt.Errorf("read plane: %w", ErrInjected)
	}
	geo := p.md.Levels[p.level]
	if channel < 0 || channel >= p.md.SizeC {
		return nil, fmt.Errorf("channel %d: %w", channel, store.ErrNotFound)
	}
	if region.Empty() || !region.In(image.Rect(0, 0, geo.Width, geo.Height)) {
		return nil, fmt.Errorf("region %v outside level %d: %w", region, p.level, store.ErrNotFound)
	}
	bands := p.md.Bands()
	bps := p.md.BytesPerSample()
	out := make([]byte, store.PlaneSize(region, bands, bps))
	i := 0
	for y := region.Min.Y; y < region.Max.Y; y++ {
		for x := region.Min.X; x < region.Max.X; x++ {
			for band := 0; band < bands; band++ {
				store.PutSample(out, i, bps, p.img.Pixels(p.series, p.level, channel, z, t, x, y, band))
				i++
			}
		}
	}
	return out, nil
}

func (p *pixels) Close() error {
	if !p.closed {
		p.closed = true
		p.session.backend.Counters.ClosedPixels.Add(1)
	}
	return nil
}

// Pyramid returns level geometries halving from width x height, finest first.
func Pyramid(width, height, levels int) []store.LevelGeometry {
	out := make([]store.LevelGeometry, 0, levels)
	for l := 0; l < levels; l++ {
		out = append(out, store.LevelGeometry{Width: width, Height: height})
		width = max(1, width/2)
		height = max(1, height/2)
	}
	return out
}

// Constant returns a PixelFunc yielding a fixed value per channel.
func Constant(perChannel ...uint32) PixelFunc {
	return func(_, _, c, _, _, _, _, _ int) uint32 {
		if c < len(perChannel) {
			return perChannel[c]
		}
		return 0
	}
}

// SingleSeries builds image metadata with one series.
func SingleSeries(md store.PixelMetadata) store.ImageMetadata {
	return store.ImageMetadata{Name: "synthetic", Series: []store.PixelMetadata{md}}
}
