package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omero-tiles/server/internal/store"
	"github.com/omero-tiles/server/internal/store/storetest"
)

func TestConnSessionIsLazy(t *testing.T) {
	backend := storetest.New(1)
	pool := NewPool(backend, nil)
	defer pool.Close()

	conn, err := pool.Conn(1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), backend.Counters.Connects.Load())

	s1, err := conn.Session()
	require.NoError(t, err)
	s2, err := conn.Session()
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, int64(1), backend.Counters.Connects.Load())
}

func TestConnReconnectsWhenStale(t *testing.T) {
	backend := storetest.New(1)
	pool := NewPool(backend, nil)
	defer pool.Close()

	conn, err := pool.Conn(1)
	require.NoError(t, err)
	s1, err := conn.Session()
	require.NoError(t, err)

	backend.KillSessions()
	s2, err := conn.Session()
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID(), s2.ID())
	assert.True(t, s2.Alive())
	assert.Equal(t, int64(2), backend.Counters.Connects.Load())
}

func TestConcurrentReconnectConnectsOnce(t *testing.T) {
	backend := storetest.New(1)
	pool := NewPool(backend, nil)
	defer pool.Close()

	conn, err := pool.Conn(1)
	require.NoError(t, err)
	stale, err := conn.Session()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := conn.Reconnect(stale)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// one initial connect plus exactly one replacement
	assert.Equal(t, int64(2), backend.Counters.Connects.Load())
}

func TestPoolExistsProbesPartition(t *testing.T) {
	backend := storetest.New(1, 2)
	backend.AddEntity(2, store.KindDataset, 7)
	pool := NewPool(backend, nil)
	defer pool.Close()

	ok, err := pool.Exists(1, store.KindDataset, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = pool.Exists(2, store.KindDataset, 7)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPoolCloseIsIdempotent(t *testing.T) {
	backend := storetest.New(1)
	pool := NewPool(backend, nil)
	conn, err := pool.Conn(1)
	require.NoError(t, err)
	_, err = conn.Session()
	require.NoError(t, err)

	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())

	_, err = conn.Session()
	assert.ErrorIs(t, err, store.ErrClosed)
	_, err = pool.Conn(1)
	assert.ErrorIs(t, err, store.ErrClosed)
}
