// Package pyramid opens multi-resolution images on the remote store and reads
// raw channel planes from them.
//
// A Reader owns one remote pixel store and must only be used by one goroutine
// at a time; Pool hands readers out per worker.
package pyramid

import (
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"

	"github.com/omero-tiles/server/internal/metrics"
	"github.com/omero-tiles/server/internal/partition"
	"github.com/omero-tiles/server/internal/session"
	"github.com/omero-tiles/server/internal/store"
)

// DefaultTileSize is the tile edge used when none is configured.
const DefaultTileSize = 512

// Config contains opener configuration.
type Config struct {
	Locator        *partition.Locator
	Sessions       *session.Pool
	TileWidth      int
	TileHeight     int
	LevelTolerance float64
	Logger         *zap.Logger
}

// Opener opens readers against the partitioned store.
type Opener struct {
	locator    *partition.Locator
	sessions   *session.Pool
	tileWidth  int
	tileHeight int
	tolerance  float64
	log        *zap.Logger
}

// NewOpener creates an opener, applying defaults to zero fields.
func NewOpener(cfg Config) *Opener {
	if cfg.TileWidth <= 0 {
		cfg.TileWidth = DefaultTileSize
	}
	if cfg.TileHeight <= 0 {
		cfg.TileHeight = DefaultTileSize
	}
	if cfg.LevelTolerance <= 0 {
		cfg.LevelTolerance = DefaultLevelTolerance
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Opener{
		locator:    cfg.Locator,
		sessions:   cfg.Sessions,
		tileWidth:  cfg.TileWidth,
		tileHeight: cfg.TileHeight,
		tolerance:  cfg.LevelTolerance,
		log:        log.Named("pyramid"),
	}
}

// Request names the image, level, series and focal plane to open.
type Request struct {
	ImageID int64
	Level   int
	Series  int
	Z, T    int
}

// Open resolves the image's partition and pyramid, then opens a reader at
// the requested level. If that level cannot be read for a reason other than
// not-found, coarser levels are tried in turn. The returned reader's Handle
// carries the level actually opened.
func (o *Opener) Open(req Request) (*Reader, error) {
	initErr := func(err error) error {
		return &InitError{ImageID: req.ImageID, Level: req.Level, Series: req.Series, Err: err}
	}

	p, found, err := o.locator.Locate(store.KindImage, req.ImageID)
	if err != nil {
		return nil, initErr(err)
	}
	if !found {
		return nil, initErr(partition.ErrNotFound)
	}
	conn, err := o.sessions.Conn(p)
	if err != nil {
		return nil, initErr(err)
	}

	var md *store.ImageMetadata
	if err := withSession(conn, func(s store.Session) error {
		var err error
		md, err = s.PixelMetadata(req.ImageID)
		return err
	}); err != nil {
		return nil, initErr(fmt.Errorf("pixel metadata: %w", err))
	}
	if req.Series < 0 || req.Series >= len(md.Series) {
		return nil, initErr(fmt.Errorf("series %d does not exist (%d series): %w", req.Series, len(md.Series), store.ErrNotFound))
	}
	pm := &md.Series[req.Series]
	numLevels := CountLevels(pm.Levels, o.tolerance)
	if req.Level < 0 || req.Level >= numLevels {
		return nil, &LevelNotFoundError{ImageID: req.ImageID, Level: req.Level, NumLevels: numLevels}
	}

	h := o.newHandle(req, p, md.Name, pm, numLevels)
	r, err := o.acquire(h, conn, req.Level)
	if err != nil {
		return nil, initErr(err)
	}

	for {
		err := r.probe()
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrNotFound) || r.level >= numLevels-1 {
			r.Close()
			return nil, initErr(fmt.Errorf("level %d unreadable, no alternative levels: %w", r.level, err))
		}
		o.log.Info("level unreadable, trying next level",
			zap.Int64("image", req.ImageID), zap.Int("level", r.level), zap.Error(err))
		r.level++
	}

	h.Level = r.level
	h.Width = h.Levels[r.level].Width
	h.Height = h.Levels[r.level].Height
	r.handle = h
	o.log.Info("image opened",
		zap.Int64("image", h.ImageID), zap.String("name", h.Name),
		zap.Int("level", h.Level), zap.Int("series", h.Series),
		zap.Int("width", h.Width), zap.Int("height", h.Height),
		zap.Int("levels", h.NumLevels), zap.Stringer("mode", h.Mode))
	return r, nil
}

// OpenAt opens another reader for an already opened handle. No level
// discovery or fallback takes place.
func (o *Opener) OpenAt(h *Handle) (*Reader, error) {
	return o.OpenLevel(h, h.Level)
}

// OpenLevel opens a reader for h positioned at another pyramid level, used
// for coarse-level calibration and previews.
func (o *Opener) OpenLevel(h *Handle, level int) (*Reader, error) {
	if level < 0 || level >= h.NumLevels {
		return nil, &LevelNotFoundError{ImageID: h.ImageID, Level: level, NumLevels: h.NumLevels}
	}
	conn, err := o.sessions.Conn(h.Partition)
	if err != nil {
		return nil, &InitError{ImageID: h.ImageID, Level: level, Series: h.Series, Err: err}
	}
	r, err := o.acquire(h, conn, level)
	if err != nil {
		return nil, &InitError{ImageID: h.ImageID, Level: level, Series: h.Series, Err: err}
	}
	return r, nil
}

func (o *Opener) newHandle(req Request, p store.PartitionID, name string, pm *store.PixelMetadata, numLevels int) *Handle {
	names := make([]string, pm.SizeC)
	for c := range names {
		if c < len(pm.ChannelNames) && pm.ChannelNames[c] != "" {
			names[c] = pm.ChannelNames[c]
		} else {
			names[c] = fmt.Sprintf("Channel%d", c)
		}
	}
	bitDepth := pm.BitDepth
	if bitDepth <= 0 {
		bitDepth = 8
	}
	return &Handle{
		ImageID:        req.ImageID,
		Partition:      p,
		Name:           name,
		Level:          req.Level,
		Series:         req.Series,
		Z:              req.Z,
		T:              req.T,
		TileWidth:      o.tileWidth,
		TileHeight:     o.tileHeight,
		Levels:         acceptedLevels(pm.Levels, numLevels),
		NumLevels:      numLevels,
		Channels:       pm.SizeC,
		ChannelNames:   names,
		BitDepth:       bitDepth,
		BytesPerSample: pm.BytesPerSample(),
		Bands:          pm.Bands(),
		RGBNative:      pm.RGB,
		Mode:           detectMode(pm),
	}
}

// acquire opens a pixel store and positions it at level. Any partially
// acquired pixel store is closed before an error is returned.
func (o *Opener) acquire(h *Handle, conn *session.Conn, level int) (*Reader, error) {
	r := &Reader{handle: h, level: level, conn: conn, log: o.log}
	if err := r.renew(false); err != nil {
		return nil, err
	}
	metrics.OpenReaders.Inc()
	return r, nil
}

// withSession runs fn against the connection's session, reconnecting and
// retrying once unless the failure is an explicit not-found.
func withSession(conn *session.Conn, fn func(store.Session) error) error {
	s, err := conn.Session()
	if err != nil {
		return err
	}
	err = fn(s)
	if err == nil || errors.Is(err, store.ErrNotFound) {
		return err
	}
	s, rerr := conn.Reconnect(s)
	if rerr != nil {
		return fmt.Errorf("%w (reconnect: %v)", err, rerr)
	}
	return fn(s)
}

// Reader reads raw planes of one image at one level. It is not safe for
// concurrent use.
type Reader struct {
	handle *Handle
	level  int
	conn   *session.Conn
	sess   store.Session
	px     store.PixelStore
	log    *zap.Logger
	closed bool
}

// Handle returns the image description shared by all readers of the image.
func (r *Reader) Handle() *Handle {
	return r.handle
}

// Level returns the level this reader reads from.
func (r *Reader) Level() int {
	return r.level
}

// Size returns the pixel size of the reader's level.
func (r *Reader) Size() (width, height int) {
	g := r.handle.Levels[r.level]
	return g.Width, g.Height
}

// ReadPlane reads one channel of region at the handle's focal plane.
func (r *Reader) ReadPlane(channel int, region image.Rectangle) ([]byte, error) {
	return r.Read(channel, r.handle.Z, r.handle.T, region)
}

// Read reads one channel plane for region. The level is re-asserted before
// every read. A failed read is retried once on a renewed session; if the
// retry fails a *DecodeError is returned and the reader remains usable.
func (r *Reader) Read(channel, z, t int, region image.Rectangle) ([]byte, error) {
	decodeErr := func(err error) error {
		return &DecodeError{ImageID: r.handle.ImageID, Level: r.level, Channel: channel, Region: region, Err: err}
	}
	if r.closed {
		return nil, decodeErr(store.ErrClosed)
	}

	data, err := r.readOnce(channel, z, t, region)
	if err == nil {
		metrics.PlaneReads.WithLabelValues("ok").Inc()
		return data, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		metrics.PlaneReads.WithLabelValues("failed").Inc()
		return nil, decodeErr(err)
	}

	r.log.Debug("plane read failed, renewing pixel store",
		zap.Int64("image", r.handle.ImageID), zap.Int("level", r.level), zap.Int("channel", channel), zap.Error(err))
	if rerr := r.renew(true); rerr != nil {
		metrics.PlaneReads.WithLabelValues("failed").Inc()
		return nil, decodeErr(fmt.Errorf("%w (renew: %v)", err, rerr))
	}
	data, err = r.readOnce(channel, z, t, region)
	if err != nil {
		metrics.PlaneReads.WithLabelValues("failed").Inc()
		return nil, decodeErr(err)
	}
	metrics.PlaneReads.WithLabelValues("retried").Inc()
	return data, nil
}

func (r *Reader) readOnce(channel, z, t int, region image.Rectangle) ([]byte, error) {
	if r.px == nil {
		if err := r.renew(false); err != nil {
			return nil, err
		}
	}
	if err := r.px.SetResolution(r.level); err != nil {
		return nil, fmt.Errorf("set resolution %d: %w", r.level, err)
	}
	return r.px.ReadPlane(channel, z, t, region)
}

// probe reads the first tile of channel 0 to check the level is decodable.
func (r *Reader) probe() error {
	w, h := r.Size()
	region := image.Rect(0, 0, min(w, r.handle.TileWidth), min(h, r.handle.TileHeight))
	_, err := r.readOnce(0, r.handle.Z, r.handle.T, region)
	return err
}

// renew replaces the pixel store, optionally on a reconnected session.
func (r *Reader) renew(reconnect bool) error {
	if r.px != nil {
		if err := r.px.Close(); err != nil {
			r.log.Debug("closing pixel store", zap.Error(err))
		}
		r.px = nil
	}

	var (
		sess store.Session
		err  error
	)
	if reconnect && r.sess != nil {
		sess, err = r.conn.Reconnect(r.sess)
	} else {
		sess, err = r.conn.Session()
	}
	if err != nil {
		return err
	}
	px, err := sess.OpenPixels(r.handle.ImageID, r.handle.Series)
	if err != nil {
		return fmt.Errorf("open pixels: %w", err)
	}
	if err := px.SetResolution(r.level); err != nil {
		px.Close()
		return fmt.Errorf("set resolution %d: %w", r.level, err)
	}
	r.sess = sess
	r.px = px
	return nil
}

// Close releases the pixel store. Close is idempotent.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	metrics.OpenReaders.Dec()
	if r.px == nil {
		return nil
	}
	err := r.px.Close()
	r.px = nil
	return err
}
