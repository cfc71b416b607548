// Package store defines the contract consumed from the remote image store.
//
// The remote store is partitioned: every entity (image, dataset, project,
// annotation) lives in exactly one partition, and a Session bound to that
// partition is needed to address it. Pixel data is read through a PixelStore,
// whose resolution level is ambient state set with SetResolution before reads.
package store

import (
	"errors"
	"fmt"
	"image"
	"strings"
)

// ErrNotFound is returned by backends when the addressed entity, series,
// level or plane does not exist. It is never retried.
var ErrNotFound = errors.New("store: not found")

// ErrClosed is returned when a session or pixel store is used after Close.
var ErrClosed = errors.New("store: closed")

// PartitionID identifies a backend partition (access-scope boundary).
type PartitionID int64

// EntityKind distinguishes the entity namespaces that partitions are probed for.
type EntityKind int

const (
	KindImage EntityKind = iota
	KindDataset
	KindProject
	KindAnnotation
)

var kindNames = [...]string{"image", "dataset", "project", "annotation"}

func (k EntityKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind parses the lower-case kind name used in URLs and config.
func ParseKind(s string) (EntityKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range kindNames {
		if s == name {
			return EntityKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown entity kind: %q", s)
}

// LevelGeometry is the pixel size of one remote resolution level.
type LevelGeometry struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Aspect returns width/height.
func (g LevelGeometry) Aspect() float64 {
	if g.Height == 0 {
		return 0
	}
	return float64(g.Width) / float64(g.Height)
}

// PixelMetadata describes one series of an image.
type PixelMetadata struct {
	// Levels lists every remote resolution level, finest first. It may contain
	// label or overview images whose aspect ratio differs from level 0.
	Levels          []LevelGeometry `json:"levels"`
	SizeC           int             `json:"size_c"`
	SizeZ           int             `json:"size_z"`
	SizeT           int             `json:"size_t"`
	BitDepth        int             `json:"bit_depth"`
	RGB             bool            `json:"rgb"`
	BandsPerChannel int             `json:"bands_per_channel"`
	ChannelNames    []string        `json:"channel_names"`
	TileWidth       int             `json:"tile_width,omitempty"`
	TileHeight      int             `json:"tile_height,omitempty"`
}

// Width returns the level 0 width.
func (m *PixelMetadata) Width() int {
	if len(m.Levels) == 0 {
		return 0
	}
	return m.Levels[0].Width
}

// Height returns the level 0 height.
func (m *PixelMetadata) Height() int {
	if len(m.Levels) == 0 {
		return 0
	}
	return m.Levels[0].Height
}

// BytesPerSample returns the storage size of one sample.
func (m *PixelMetadata) BytesPerSample() int {
	if m.BitDepth <= 8 {
		return 1
	}
	return (m.BitDepth + 7) / 8
}

// Bands returns the number of samples per pixel in one channel plane.
func (m *PixelMetadata) Bands() int {
	if m.BandsPerChannel <= 0 {
		return 1
	}
	return m.BandsPerChannel
}

// ImageMetadata is the backend description of an image and its series.
type ImageMetadata struct {
	Name   string          `json:"name"`
	Series []PixelMetadata `json:"series"`
}

// Backend is the entry point to a partitioned image store.
type Backend interface {
	// Partitions lists the known partitions in a fixed probe order.
	Partitions() ([]PartitionID, error)
	// Connect establishes a new session bound to a partition.
	Connect(p PartitionID) (Session, error)
}

// Session is a connection scoped to one partition. It is safe for concurrent
// use; its PixelStores are not.
type Session interface {
	ID() string
	Partition() PartitionID
	// Alive reports whether the session is still usable. A stale session must
	// be replaced by a new Connect.
	Alive() bool
	// Exists reports whether the entity is visible in this session's partition.
	Exists(kind EntityKind, id int64) (bool, error)
	PixelMetadata(imageID int64) (*ImageMetadata, error)
	// OpenPixels opens a stateful pixel reader for one series of an image.
	OpenPixels(imageID int64, series int) (PixelStore, error)
	Close() error
}

// PixelStore reads raw planes. Resolution is ambient state: ReadPlane reads
// from whatever level was last set.
type PixelStore interface {
	SetResolution(level int) error
	Resolution() int
	// ReadPlane returns the raw samples of region, row-major, bands
	// interleaved, big-endian for multi-byte samples.
	ReadPlane(channel, z, t int, region image.Rectangle) ([]byte, error)
	Close() error
}
