// Package partition finds which backend partition owns an entity.
package partition

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/omero-tiles/server/internal/metrics"
	"github.com/omero-tiles/server/internal/store"
)

// ErrNotFound describes an entity that no known partition reports. Locate
// itself signals this with found == false; callers that cannot proceed
// without a partition wrap ErrNotFound.
var ErrNotFound = errors.New("entity not found in any partition")

// Key identifies an entity across kinds.
type Key struct {
	Kind store.EntityKind
	ID   int64
}

// Memo stores successful lookups. Implementations must be safe for
// concurrent use; concurrent Stores for the same key carry the same value.
type Memo interface {
	Load(k Key) (store.PartitionID, bool)
	Store(k Key, p store.PartitionID)
	Clear()
}

// MapMemo is a Memo backed by sync.Map.
type MapMemo struct {
	m sync.Map // Key -> store.PartitionID
}

// NewMapMemo returns an empty memo.
func NewMapMemo() *MapMemo {
	return &MapMemo{}
}

func (m *MapMemo) Load(k Key) (store.PartitionID, bool) {
	v, ok := m.m.Load(k)
	if !ok {
		return 0, false
	}
	return v.(store.PartitionID), true
}

func (m *MapMemo) Store(k Key, p store.PartitionID) {
	m.m.Store(k, p)
}

func (m *MapMemo) Clear() {
	m.m.Range(func(k, _ any) bool {
		m.m.Delete(k)
		return true
	})
}

// Prober answers whether a partition holds an entity. session.Pool
// implements it.
type Prober interface {
	Partitions() ([]store.PartitionID, error)
	Exists(p store.PartitionID, kind store.EntityKind, id int64) (bool, error)
}

// Config contains locator configuration.
type Config struct {
	Prober Prober
	Memo   Memo
	Logger *zap.Logger
}

// Locator resolves entity ids to partitions and memoizes hits forever.
type Locator struct {
	prober Prober
	memo   Memo
	log    *zap.Logger
}

// NewLocator creates a locator. A nil Memo gets a fresh MapMemo.
func NewLocator(cfg Config) *Locator {
	memo := cfg.Memo
	if memo == nil {
		memo = NewMapMemo()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Locator{prober: cfg.Prober, memo: memo, log: log.Named("partition")}
}

// Locate returns the partition owning the entity. found is false when no
// partition reports it; that outcome is not memoized, so later calls probe
// again. Probe errors are treated as "not in this partition".
func (l *Locator) Locate(kind store.EntityKind, id int64) (p store.PartitionID, found bool, err error) {
	key := Key{Kind: kind, ID: id}
	if p, ok := l.memo.Load(key); ok {
		return p, true, nil
	}

	partitions, err := l.prober.Partitions()
	if err != nil {
		return 0, false, fmt.Errorf("list partitions: %w", err)
	}
	for _, candidate := range partitions {
		metrics.PartitionProbes.Inc()
		ok, err := l.prober.Exists(candidate, kind, id)
		if err != nil {
			l.log.Debug("probe failed",
				zap.Stringer("kind", kind), zap.Int64("id", id),
				zap.Int64("partition", int64(candidate)), zap.Error(err))
			continue
		}
		if ok {
			l.memo.Store(key, candidate)
			l.log.Debug("located", zap.Stringer("kind", kind), zap.Int64("id", id), zap.Int64("partition", int64(candidate)))
			return candidate, true, nil
		}
	}
	return 0, false, nil
}

// Cached returns a memoized partition without probing.
func (l *Locator) Cached(kind store.EntityKind, id int64) (store.PartitionID, bool) {
	return l.memo.Load(Key{Kind: kind, ID: id})
}

// Clear drops every memoized mapping.
func (l *Locator) Clear() {
	l.memo.Clear()
}
