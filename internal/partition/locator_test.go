package partition

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omero-tiles/server/internal/session"
	"github.com/omero-tiles/server/internal/store"
	"github.com/omero-tiles/server/internal/store/storetest"
)

func newLocator(t *testing.T, backend *storetest.Backend) *Locator {
	t.Helper()
	pool := session.NewPool(backend, nil)
	t.Cleanup(func() { pool.Close() })
	return NewLocator(Config{Prober: pool})
}

func TestLocateMemoizes(t *testing.T) {
	backend := storetest.New(10, 20, 30)
	backend.AddEntity(20, store.KindImage, 5)
	loc := newLocator(t, backend)

	p, found, err := loc.Locate(store.KindImage, 5)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.PartitionID(20), p)
	probes := backend.Counters.Probes.Load()
	assert.Equal(t, int64(2), probes, "probes stop at the owning partition")

	p, found, err = loc.Locate(store.KindImage, 5)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.PartitionID(20), p)
	assert.Equal(t, probes, backend.Counters.Probes.Load())
}

func TestLocateNotFoundIsNotMemoized(t *testing.T) {
	backend := storetest.New(1, 2)
	loc := newLocator(t, backend)

	_, found, err := loc.Locate(store.KindProject, 9)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, int64(2), backend.Counters.Probes.Load())

	backend.AddEntity(2, store.KindProject, 9)
	p, found, err := loc.Locate(store.KindProject, 9)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.PartitionID(2), p)
	assert.Equal(t, int64(4), backend.Counters.Probes.Load())
}

func TestLocateKindsAreSeparate(t *testing.T) {
	backend := storetest.New(1, 2)
	backend.AddEntity(1, store.KindDataset, 3)
	backend.AddEntity(2, store.KindAnnotation, 3)
	loc := newLocator(t, backend)

	p, found, err := loc.Locate(store.KindDataset, 3)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.PartitionID(1), p)

	p, found, err = loc.Locate(store.KindAnnotation, 3)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.PartitionID(2), p)
}

func TestLocateReturnsStaleAfterMove(t *testing.T) {
	backend := storetest.New(1, 2)
	backend.AddEntity(1, store.KindImage, 4)
	loc := newLocator(t, backend)

	_, _, err := loc.Locate(store.KindImage, 4)
	require.NoError(t, err)
	backend.MoveEntity(store.KindImage, 4, 2)

	p, _, err := loc.Locate(store.KindImage, 4)
	require.NoError(t, err)
	assert.Equal(t, store.PartitionID(1), p, "memo is never invalidated implicitly")

	loc.Clear()
	p, _, err = loc.Locate(store.KindImage, 4)
	require.NoError(t, err)
	assert.Equal(t, store.PartitionID(2), p)
}

type flakyProber struct {
	calls atomic.Int64
}

func (f *flakyProber) Partitions() ([]store.PartitionID, error) {
	return []store.PartitionID{1, 2}, nil
}

func (f *flakyProber) Exists(p store.PartitionID, _ store.EntityKind, _ int64) (bool, error) {
	f.calls.Add(1)
	if p == 1 {
		return false, errors.New("access denied")
	}
	return true, nil
}

func TestLocateSkipsFailingProbes(t *testing.T) {
	prober := &flakyProber{}
	loc := NewLocator(Config{Prober: prober, Memo: NewMapMemo()})

	p, found, err := loc.Locate(store.KindImage, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.PartitionID(2), p)
	assert.Equal(t, int64(2), prober.calls.Load())
}

func TestLocateConcurrent(t *testing.T) {
	backend := storetest.New(1, 2, 3)
	for id := int64(0); id < 20; id++ {
		backend.AddEntity(store.PartitionID(id%3+1), store.KindImage, id)
	}
	loc := newLocator(t, backend)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := int64(0); id < 20; id++ {
				p, found, err := loc.Locate(store.KindImage, id)
				assert.NoError(t, err)
				assert.True(t, found)
				assert.Equal(t, store.PartitionID(id%3+1), p)
			}
		}()
	}
	wg.Wait()

	for id := int64(0); id < 20; id++ {
		p, ok := loc.Cached(store.KindImage, id)
		assert.True(t, ok)
		assert.Equal(t, store.PartitionID(id%3+1), p)
	}
}
