// Command export writes every tile of one pyramid level of an image to disk.
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/omero-tiles/server/internal/config"
	"github.com/omero-tiles/server/internal/logging"
	"github.com/omero-tiles/server/internal/memostore"
	"github.com/omero-tiles/server/internal/partition"
	"github.com/omero-tiles/server/internal/render"
	"github.com/omero-tiles/server/internal/service"
	"github.com/omero-tiles/server/internal/store/local"
)

func main() {
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	imageID := flag.Int64("image", -1, "Image id to export")
	level := flag.Int("level", 0, "Pyramid level")
	series := flag.Int("series", 0, "Image series")
	workers := flag.IntP("workers", "j", 4, "Concurrent tile workers")
	out := flag.StringP("out", "o", "tiles", "Output directory")
	contrib := flag.Float64Slice("contrib", nil, "Channel contributions, one per channel")
	flag.Parse()

	if *imageID < 0 {
		fmt.Fprintln(os.Stderr, "--image is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	backend, err := local.New(local.Config{
		Root:              cfg.Store.Root,
		PlaneCacheEntries: cfg.Store.PlaneCacheEntries,
		Logger:            log,
	})
	if err != nil {
		log.Fatal("failed to open image store", zap.Error(err))
	}
	defer backend.Close()

	var memo partition.Memo
	if cfg.Store.MemoPath != "" {
		ms, err := memostore.NewStore(cfg.Store.MemoPath, log)
		if err != nil {
			log.Fatal("failed to open partition memo", zap.Error(err))
		}
		defer ms.Close()
		memo = ms
	}

	mgr := service.NewManager(service.Config{
		Backend:        backend,
		Memo:           memo,
		TileWidth:      cfg.Tiles.Width,
		TileHeight:     cfg.Tiles.Height,
		LevelTolerance: cfg.Pyramid.LevelTolerance,
		Logger:         log,
	})
	defer mgr.Close()

	img, err := mgr.Open(*imageID, *level, *series, false)
	if err != nil {
		log.Fatal("failed to open image", zap.Int64("image", *imageID), zap.Error(err))
	}
	defer img.Close()
	if len(*contrib) > 0 {
		if err := img.SetChannelContributions(*contrib); err != nil {
			log.Fatal("invalid contributions", zap.Error(err))
		}
	}

	renderer := render.NewTileRenderer(render.Config{TileWidth: cfg.Tiles.Width, TileHeight: cfg.Tiles.Height})
	sum, err := export(img, renderer, exportOptions{Workers: *workers, Out: *out}, log)
	if err != nil {
		log.Error("export failed", zap.Error(err), zap.Int("written", sum.Tiles))
		os.Exit(1)
	}
	log.Info("export finished", zap.Int("tiles", sum.Tiles), zap.Int("placeholders", sum.Failed))
}
