// Package api provides HTTP handlers for the tile server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/omero-tiles/server/internal/cache"
	"github.com/omero-tiles/server/internal/calibrate"
	"github.com/omero-tiles/server/internal/partition"
	"github.com/omero-tiles/server/internal/pyramid"
	"github.com/omero-tiles/server/internal/render"
	"github.com/omero-tiles/server/internal/service"
	"github.com/omero-tiles/server/internal/store"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry *ImageRegistry
	Manager  *service.Manager
	// Encoded caches PNG-encoded tiles; nil disables it.
	Encoded  *cache.Manager
	Renderer *render.TileRenderer
	// Metrics serves /metrics when set.
	Metrics     http.Handler
	CORSOrigins []string
	Logger      *zap.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &handlers{
		registry: cfg.Registry,
		mgr:      cfg.Manager,
		encoded:  cfg.Encoded,
		renderer: cfg.Renderer,
		log:      cfg.Logger.Named("api"),
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", tileErrorHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/images/{id}", func(r chi.Router) {
		r.Use(imageIDMiddleware)
		r.Get("/tiles/{level}/{x}/{y}.png", h.tile)
		r.Get("/preview.png", h.preview)
	})

	r.Route("/api", func(r chi.Router) {
		r.With(imageIDMiddleware).Get("/images/{id}", h.metadata)
		r.With(imageIDMiddleware).Delete("/images/{id}", h.refresh)
		r.Get("/locate/{kind}/{id}", h.locate)
		r.Delete("/locate", h.forgetLocations)
		r.Get("/cache/stats", h.cacheStats)
	})

	return r
}

const tileErrorHeader = "X-Tile-Error"

type ctxKey string

const imageIDKey ctxKey = "imageID"

// imageIDMiddleware parses the {id} URL parameter into the request context.
func imageIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id < 0 {
			http.Error(w, "invalid image id", http.StatusBadRequest)
			return
		}
		ctx := context.WithValue(r.Context(), imageIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func imageID(r *http.Request) int64 {
	return r.Context().Value(imageIDKey).(int64)
}

type handlers struct {
	registry *ImageRegistry
	mgr      *service.Manager
	encoded  *cache.Manager
	renderer *render.TileRenderer
	log      *zap.Logger
}

// ImageInfo is the JSON description of an opened image.
type ImageInfo struct {
	ID         int64                 `json:"id"`
	Name       string                `json:"name"`
	Partition  store.PartitionID     `json:"partition"`
	Level      int                   `json:"level"`
	Series     int                   `json:"series"`
	Width      int                   `json:"width"`
	Height     int                   `json:"height"`
	TileWidth  int                   `json:"tile_width"`
	TileHeight int                   `json:"tile_height"`
	TilesX     int                   `json:"tiles_x"`
	TilesY     int                   `json:"tiles_y"`
	NumLevels  int                   `json:"num_levels"`
	Levels     []store.LevelGeometry `json:"levels"`
	Mode       string                `json:"mode"`
	BitDepth   int                   `json:"bit_depth"`
	Channels   []service.ChannelInfo `json:"channels"`
}

func (h *handlers) metadata(w http.ResponseWriter, r *http.Request) {
	level, err := intQuery(r, "level", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	series, err := intQuery(r, "series", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	img, err := h.registry.Get(ImageKey{ID: imageID(r), Level: level, Series: series, UseCache: true})
	if err != nil {
		h.fail(w, err)
		return
	}
	hd := img.Handle()
	info := ImageInfo{
		ID:         hd.ImageID,
		Name:       hd.Name,
		Partition:  hd.Partition,
		Level:      hd.Level,
		Series:     hd.Series,
		Width:      img.Width(),
		Height:     img.Height(),
		TileWidth:  img.TileWidth(),
		TileHeight: img.TileHeight(),
		TilesX:     img.TilesX(),
		TilesY:     img.TilesY(),
		NumLevels:  img.NumLevels(),
		Levels:     hd.Levels,
		Mode:       hd.Mode.String(),
		BitDepth:   hd.BitDepth,
		Channels:   img.Channels(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

func (h *handlers) tile(w http.ResponseWriter, r *http.Request) {
	level, err := strconv.Atoi(chi.URLParam(r, "level"))
	if err != nil {
		http.Error(w, "invalid level", http.StatusBadRequest)
		return
	}
	x, err := strconv.Atoi(chi.URLParam(r, "x"))
	if err != nil {
		http.Error(w, "invalid x", http.StatusBadRequest)
		return
	}
	y, err := strconv.Atoi(strings.TrimSuffix(chi.URLParam(r, "y"), ".png"))
	if err != nil {
		http.Error(w, "invalid y", http.StatusBadRequest)
		return
	}
	series, err := intQuery(r, "series", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := imageID(r)
	img, err := h.registry.Get(ImageKey{ID: id, Level: level, Series: series, UseCache: r.URL.Query().Get("nocache") == ""})
	if err != nil {
		h.fail(w, err)
		return
	}
	if x < 0 || y < 0 || x >= img.TilesX() || y >= img.TilesY() {
		http.Error(w, fmt.Sprintf("tile %d,%d outside %dx%d grid", x, y, img.TilesX(), img.TilesY()), http.StatusNotFound)
		return
	}
	contributions, err := parseContributions(r.URL.Query().Get("contrib"), img.Handle().Channels)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	key := cache.EncodedKey(id, series, level, x, y, contributions)
	if h.encoded != nil && img.UseCache() {
		if data, ok := h.encoded.GetTile(key); ok {
			writePNG(w, data, "public, max-age=3600")
			return
		}
	}

	raster, err := img.GetTileWith(x, y, contributions)
	var de *pyramid.DecodeError
	if errors.As(err, &de) {
		h.log.Warn("tile decode failed",
			zap.Int64("image", id), zap.Int("level", level), zap.Int("x", x), zap.Int("y", y), zap.Error(err))
		data, perr := h.renderer.Placeholder(fmt.Sprintf("%d/%d/%d", level, x, y))
		if perr != nil {
			http.Error(w, perr.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set(tileErrorHeader, de.Error())
		writePNG(w, data, "no-store")
		return
	}
	if err != nil {
		h.fail(w, err)
		return
	}

	data, err := h.renderer.Encode(raster)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if h.encoded != nil && img.UseCache() {
		if err := h.encoded.SetTile(key, data); err != nil {
			h.log.Debug("encoded tile not cached", zap.String("key", key), zap.Error(err))
		}
	}
	writePNG(w, data, "public, max-age=3600")
}

func (h *handlers) preview(w http.ResponseWriter, r *http.Request) {
	series, err := intQuery(r, "series", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	img, err := h.registry.Get(ImageKey{ID: imageID(r), Series: series, UseCache: true})
	if err != nil {
		h.fail(w, err)
		return
	}
	thumb, err := img.GetPreview()
	if err != nil {
		h.fail(w, err)
		return
	}
	data, err := h.renderer.Encode(thumb)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writePNG(w, data, "public, max-age=3600")
}

func (h *handlers) locate(w http.ResponseWriter, r *http.Request) {
	kind, err := store.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	memoized := h.mgr.Memoized(kind, id)
	p, found, err := h.mgr.Locate(kind, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"kind":      kind.String(),
		"id":        id,
		"partition": p,
		"found":     found,
		"memoized":  memoized,
	})
}

// forgetLocations drops the partition memo.
func (h *handlers) forgetLocations(w http.ResponseWriter, r *http.Request) {
	h.mgr.ForgetLocations()
	w.WriteHeader(http.StatusNoContent)
}

// refresh closes every open image for id and drops its calibration and
// cached planes. Encoded tiles already cached expire on their own.
func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	series, err := intQuery(r, "series", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := imageID(r)
	if err := h.registry.Evict(id); err != nil {
		h.log.Warn("evicted image did not close cleanly", zap.Int64("image", id), zap.Error(err))
	}
	h.mgr.Refresh(id, series)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) cacheStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"plane_cache_len": h.mgr.PlaneCache().Len(),
		"open_images":     h.registry.Len(),
	}
	if h.encoded != nil {
		for k, v := range h.encoded.Stats() {
			stats[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// fail maps open and render errors to HTTP statuses.
func (h *handlers) fail(w http.ResponseWriter, err error) {
	var (
		lnf *pyramid.LevelNotFoundError
		ie  *pyramid.InitError
		ce  *calibrate.CalibrationError
	)
	switch {
	case errors.As(err, &lnf),
		errors.Is(err, partition.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &ie), errors.As(err, &ce):
		h.log.Warn("image unavailable", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		h.log.Error("request failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writePNG(w http.ResponseWriter, data []byte, cacheControl string) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", cacheControl)
	w.Write(data)
}

func intQuery(r *http.Request, name string, def int) (int, error) {
	s := strings.TrimSpace(r.URL.Query().Get(name))
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s parameter", name)
	}
	return v, nil
}

// parseContributions parses a comma separated weight list. An empty string
// yields nil, meaning the image's own weights.
func parseContributions(raw string, channels int) ([]float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) != channels {
		return nil, fmt.Errorf("contrib has %d weights, image has %d channels", len(parts), channels)
	}
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid contrib weight %q", p)
		}
		out[i] = v
	}
	return out, nil
}
