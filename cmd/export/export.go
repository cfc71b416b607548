package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/omero-tiles/server/internal/pyramid"
	"github.com/omero-tiles/server/internal/render"
	"github.com/omero-tiles/server/internal/service"
)

// exportOptions selects how and where tiles are written.
type exportOptions struct {
	Workers int
	Out     string
}

// summary reports an export run.
type summary struct {
	Tiles  int
	Failed int
}

type coord struct{ x, y int }

// export writes every tile of img to <out>/<level>/<x>_<y>.png, where level
// is the level img was actually opened at. Tiles that fail to decode are
// written as placeholders and counted; any other error stops the run.
func export(img *service.Image, renderer *render.TileRenderer, opts exportOptions, log *zap.Logger) (summary, error) {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	h := img.Handle()
	dir := filepath.Join(opts.Out, strconv.Itoa(h.Level))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return summary{}, fmt.Errorf("create output dir: %w", err)
	}

	log.Info("exporting tiles",
		zap.Int64("image", h.ImageID),
		zap.Int("level", h.Level),
		zap.Int("tiles_x", img.TilesX()),
		zap.Int("tiles_y", img.TilesY()),
		zap.Int("workers", opts.Workers))

	var written, failed atomic.Int64
	coords := make(chan coord)
	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		defer close(coords)
		for y := 0; y < img.TilesY(); y++ {
			for x := 0; x < img.TilesX(); x++ {
				select {
				case coords <- coord{x, y}:
				case <-ctx.Done():
					return nil
				}
			}
		}
		return nil
	})

	for i := 0; i < opts.Workers; i++ {
		id := pyramid.WorkerID(fmt.Sprintf("export-%d", i))
		g.Go(func() error {
			w, err := img.Worker(id)
			if err != nil {
				return err
			}
			for c := range coords {
				data, err := renderTile(w, renderer, c)
				var de *pyramid.DecodeError
				switch {
				case errors.As(err, &de):
					log.Warn("tile failed to decode", zap.Int("x", c.x), zap.Int("y", c.y), zap.Error(err))
					failed.Add(1)
				case err != nil:
					return fmt.Errorf("tile %d,%d: %w", c.x, c.y, err)
				}
				path := filepath.Join(dir, fmt.Sprintf("%d_%d.png", c.x, c.y))
				if err := os.WriteFile(path, data, 0o644); err != nil {
					return err
				}
				written.Add(1)
			}
			return nil
		})
	}

	err := g.Wait()
	return summary{Tiles: int(written.Load()), Failed: int(failed.Load())}, err
}

// renderTile encodes one tile. On a decode failure it returns the
// placeholder together with the error.
func renderTile(w *service.Worker, renderer *render.TileRenderer, c coord) ([]byte, error) {
	tile, err := w.GetTile(c.x, c.y)
	var de *pyramid.DecodeError
	if errors.As(err, &de) {
		data, perr := renderer.Placeholder(fmt.Sprintf("%d,%d", c.x, c.y))
		if perr != nil {
			return nil, perr
		}
		return data, err
	}
	if err != nil {
		return nil, err
	}
	return renderer.Encode(tile)
}
