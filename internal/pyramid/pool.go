package pyramid

import (
	"sync"

	"go.uber.org/multierr"

	"github.com/omero-tiles/server/internal/store"
)

// WorkerID identifies a caller goroutine that wants a dedicated reader.
type WorkerID string

// Pool hands out readers of one opened image. Named workers always receive
// the same reader; anonymous callers check readers in and out exclusively.
type Pool struct {
	opener *Opener
	handle *Handle

	mu      sync.Mutex
	workers map[WorkerID]*Reader
	idle    []*Reader
	all     []*Reader
	closed  bool
}

// NewPool creates a pool seeded with first, the reader returned by Open.
func NewPool(opener *Opener, first *Reader) *Pool {
	return &Pool{
		opener:  opener,
		handle:  first.Handle(),
		workers: make(map[WorkerID]*Reader),
		idle:    []*Reader{first},
		all:     []*Reader{first},
	}
}

// Handle returns the image description.
func (p *Pool) Handle() *Handle {
	return p.handle
}

// ForWorker returns the reader bound to id, opening one on first use. The
// caller must not use the reader from more than one goroutine.
func (p *Pool) ForWorker(id WorkerID) (*Reader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, store.ErrClosed
	}
	if r, ok := p.workers[id]; ok {
		return r, nil
	}
	r, err := p.opener.OpenAt(p.handle)
	if err != nil {
		return nil, err
	}
	p.workers[id] = r
	p.all = append(p.all, r)
	return r, nil
}

// Checkout takes an idle reader or opens a new one. It must be returned with
// Checkin.
func (p *Pool) Checkout() (*Reader, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, store.ErrClosed
	}
	if n := len(p.idle); n > 0 {
		r := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return r, nil
	}
	p.mu.Unlock()

	r, err := p.opener.OpenAt(p.handle)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		r.Close()
		return nil, store.ErrClosed
	}
	p.all = append(p.all, r)
	return r, nil
}

// Checkin returns a reader taken with Checkout.
func (p *Pool) Checkin(r *Reader) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.idle = append(p.idle, r)
}

// Len returns the number of readers opened by the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all)
}

// Close closes every reader. Close is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	all := p.all
	p.all, p.idle, p.workers = nil, nil, nil
	p.mu.Unlock()

	var err error
	for _, r := range all {
		err = multierr.Append(err, r.Close())
	}
	return err
}
