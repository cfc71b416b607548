// Package session manages partition-scoped connections to the image store.
//
// A Conn is established lazily on first use and replaced when the backend
// reports it stale. Establishing or replacing the connection is a single
// critical section, so concurrent readers never trigger duplicate connects.
package session

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/omero-tiles/server/internal/metrics"
	"github.com/omero-tiles/server/internal/store"
)

// Conn is the lazily established session for one partition.
type Conn struct {
	backend   store.Backend
	partition store.PartitionID
	log       *zap.Logger

	mu     sync.Mutex
	sess   store.Session
	closed bool
}

func newConn(backend store.Backend, partition store.PartitionID, log *zap.Logger) *Conn {
	return &Conn{backend: backend, partition: partition, log: log}
}

// Partition returns the partition this connection is bound to.
func (c *Conn) Partition() store.PartitionID {
	return c.partition
}

// Session returns a live session, connecting or reconnecting as needed.
func (c *Conn) Session() (store.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, store.ErrClosed
	}
	if c.sess != nil && c.sess.Alive() {
		return c.sess, nil
	}
	return c.connectLocked()
}

// Reconnect replaces stale with a fresh session. If another caller already
// replaced it, the current session is returned without connecting again.
func (c *Conn) Reconnect(stale store.Session) (store.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, store.ErrClosed
	}
	if c.sess != nil && c.sess != stale && c.sess.Alive() {
		return c.sess, nil
	}
	return c.connectLocked()
}

func (c *Conn) connectLocked() (store.Session, error) {
	if c.sess != nil {
		if err := c.sess.Close(); err != nil {
			c.log.Debug("closing stale session", zap.String("session", c.sess.ID()), zap.Error(err))
		}
		c.sess = nil
	}
	sess, err := c.backend.Connect(c.partition)
	if err != nil {
		return nil, fmt.Errorf("connect partition %d: %w", c.partition, err)
	}
	metrics.Reconnects.Inc()
	c.log.Info("session established", zap.Int64("partition", int64(c.partition)), zap.String("session", sess.ID()))
	c.sess = sess
	return sess, nil
}

// Close closes the current session. Close is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.sess == nil {
		return nil
	}
	err := c.sess.Close()
	c.sess = nil
	return err
}

// Pool holds one Conn per partition.
type Pool struct {
	backend store.Backend
	log     *zap.Logger

	mu     sync.Mutex
	conns  map[store.PartitionID]*Conn
	closed bool
}

// NewPool creates a connection pool over backend. A nil logger discards output.
func NewPool(backend store.Backend, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		backend: backend,
		log:     log.Named("session"),
		conns:   make(map[store.PartitionID]*Conn),
	}
}

// Conn returns the connection for partition, creating it on first use.
func (p *Pool) Conn(partition store.PartitionID) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, store.ErrClosed
	}
	c, ok := p.conns[partition]
	if !ok {
		c = newConn(p.backend, partition, p.log)
		p.conns[partition] = c
	}
	return c, nil
}

// Partitions lists the backend partitions in probe order.
func (p *Pool) Partitions() ([]store.PartitionID, error) {
	return p.backend.Partitions()
}

// Exists probes one partition for an entity.
func (p *Pool) Exists(partition store.PartitionID, kind store.EntityKind, id int64) (bool, error) {
	c, err := p.Conn(partition)
	if err != nil {
		return false, err
	}
	sess, err := c.Session()
	if err != nil {
		return false, err
	}
	return sess.Exists(kind, id)
}

// Close closes every connection. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[store.PartitionID]*Conn)
	p.closed = true
	p.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	return err
}
