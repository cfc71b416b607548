package memostore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omero-tiles/server/internal/partition"
	"github.com/omero-tiles/server/internal/session"
	"github.com/omero-tiles/server/internal/store"
	"github.com/omero-tiles/server/internal/store/storetest"
)

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memo", "partitions.sqlite")
	s, err := NewStore(path, nil)
	require.NoError(t, err)

	img := partition.Key{Kind: store.KindImage, ID: 5}
	ds := partition.Key{Kind: store.KindDataset, ID: 5}
	s.Store(img, 3)
	s.Store(ds, 1)
	s.Store(img, 4)
	require.NoError(t, s.Close())

	s, err = NewStore(path, nil)
	require.NoError(t, err)
	defer s.Close()

	p, ok := s.Load(img)
	require.True(t, ok)
	assert.Equal(t, store.PartitionID(4), p)
	p, ok = s.Load(ds)
	require.True(t, ok)
	assert.Equal(t, store.PartitionID(1), p)
	_, ok = s.Load(partition.Key{Kind: store.KindProject, ID: 5})
	assert.False(t, ok)

	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	s.Clear()
	_, ok = s.Load(img)
	assert.False(t, ok)
	n, err = s.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLocatorSkipsProbesWithPersistedMemo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partitions.sqlite")
	backend := storetest.New(1, 2, 3)
	backend.AddEntity(3, store.KindImage, 77)

	locate := func() store.PartitionID {
		memo, err := NewStore(path, nil)
		require.NoError(t, err)
		defer memo.Close()
		pool := session.NewPool(backend, nil)
		defer pool.Close()
		loc := partition.NewLocator(partition.Config{Prober: pool, Memo: memo})
		p, found, err := loc.Locate(store.KindImage, 77)
		require.NoError(t, err)
		require.True(t, found)
		return p
	}

	assert.Equal(t, store.PartitionID(3), locate())
	probes := backend.Counters.Probes.Load()
	assert.Equal(t, store.PartitionID(3), locate())
	assert.Equal(t, probes, backend.Counters.Probes.Load(), "second process reuses the persisted lookup")
}
