package api

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/omero-tiles/server/internal/service"
	"github.com/omero-tiles/server/internal/store"
)

// ImageKey identifies one opened image in the registry.
type ImageKey struct {
	ID       int64
	Level    int
	Series   int
	UseCache bool
}

func (k ImageKey) String() string {
	return fmt.Sprintf("%d/%d/%d/%t", k.ID, k.Level, k.Series, k.UseCache)
}

// ImageRegistry holds the images opened on behalf of HTTP clients so that
// consecutive tile requests share readers and calibration. Opens run outside
// the registry lock; concurrent opens of one key share a single open.
type ImageRegistry struct {
	mgr   *service.Manager
	group singleflight.Group

	mu     sync.Mutex
	images map[ImageKey]*service.Image
	closed bool
}

// NewImageRegistry creates an empty registry opening through mgr.
func NewImageRegistry(mgr *service.Manager) *ImageRegistry {
	return &ImageRegistry{
		mgr:    mgr,
		images: make(map[ImageKey]*service.Image),
	}
}

// Get returns the image for key, opening it on first use. Failed opens are
// not remembered.
func (r *ImageRegistry) Get(key ImageKey) (*service.Image, error) {
	if img, ok, err := r.lookup(key); ok || err != nil {
		return img, err
	}
	v, err, _ := r.group.Do(key.String(), func() (any, error) {
		if img, ok, err := r.lookup(key); ok || err != nil {
			return img, err
		}
		img, err := r.mgr.Open(key.ID, key.Level, key.Series, key.UseCache)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			img.Close()
			return nil, store.ErrClosed
		}
		if existing, ok := r.images[key]; ok {
			img.Close()
			return existing, nil
		}
		r.images[key] = img
		return img, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*service.Image), nil
}

func (r *ImageRegistry) lookup(key ImageKey) (*service.Image, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, store.ErrClosed
	}
	img, ok := r.images[key]
	return img, ok, nil
}

// Len returns the number of open images.
func (r *ImageRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.images)
}

// Evict closes and forgets every image opened for id. Images are closed
// after the registry lock is released, so requests for other images are not
// held up behind in-flight tiles.
func (r *ImageRegistry) Evict(id int64) error {
	r.mu.Lock()
	var evicted []*service.Image
	for key, img := range r.images {
		if key.ID != id {
			continue
		}
		evicted = append(evicted, img)
		delete(r.images, key)
	}
	r.mu.Unlock()

	var err error
	for _, img := range evicted {
		err = multierr.Append(err, img.Close())
	}
	return err
}

// Close closes every open image. Later calls to Get fail with
// store.ErrClosed.
func (r *ImageRegistry) Close() error {
	r.mu.Lock()
	images := r.images
	r.images = make(map[ImageKey]*service.Image)
	r.closed = true
	r.mu.Unlock()

	var err error
	for key, img := range images {
		if cerr := img.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close image %d level %d: %w", key.ID, key.Level, cerr))
		}
	}
	return err
}
