// Package main is the entry point for the tile server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/omero-tiles/server/internal/api"
	"github.com/omero-tiles/server/internal/cache"
	"github.com/omero-tiles/server/internal/config"
	"github.com/omero-tiles/server/internal/logging"
	"github.com/omero-tiles/server/internal/memostore"
	"github.com/omero-tiles/server/internal/metrics"
	"github.com/omero-tiles/server/internal/partition"
	"github.com/omero-tiles/server/internal/render"
	"github.com/omero-tiles/server/internal/service"
	"github.com/omero-tiles/server/internal/store/local"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
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

	log.Info("starting tile server", zap.Int("port", cfg.Server.Port), zap.String("store", cfg.Store.Root))

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
		if n, err := ms.Len(); err == nil {
			log.Info("partition memo opened", zap.String("path", cfg.Store.MemoPath), zap.Int("entries", n))
		}
		memo = ms
	}

	mgr := service.NewManager(service.Config{
		Backend:          backend,
		Memo:             memo,
		TileWidth:        cfg.Tiles.Width,
		TileHeight:       cfg.Tiles.Height,
		LevelTolerance:   cfg.Pyramid.LevelTolerance,
		CacheEntries:     cfg.Cache.PlaneEntries,
		CacheTTL:         cfg.Cache.PlaneTTL,
		PreviewMaxWidth:  cfg.Preview.MaxWidth,
		PreviewTolerance: cfg.Pyramid.PreviewTolerance,
		Logger:           log,
	})
	defer mgr.Close()

	encoded, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: cfg.Cache.EncodedSizeMB,
		TileTTL:         cfg.Cache.EncodedTTL,
	})
	if err != nil {
		log.Fatal("failed to initialize cache", zap.Error(err))
	}
	defer encoded.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		log.Fatal("failed to register metrics", zap.Error(err))
	}

	registry := api.NewImageRegistry(mgr)
	defer registry.Close()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		Manager:     mgr,
		Encoded:     encoded,
		Renderer:    render.NewTileRenderer(render.Config{TileWidth: cfg.Tiles.Width, TileHeight: cfg.Tiles.Height}),
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      log,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
