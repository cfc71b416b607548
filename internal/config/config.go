// Package config handles configuration loading for the tile server and
// exporter.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Tiles   TilesConfig   `yaml:"tiles"`
	Cache   CacheConfig   `yaml:"cache"`
	Preview PreviewConfig `yaml:"preview"`
	Pyramid PyramidConfig `yaml:"pyramid"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// StoreConfig selects the image store backend.
type StoreConfig struct {
	Kind              string `yaml:"kind"`
	Root              string `yaml:"root"`
	PlaneCacheEntries int    `yaml:"plane_cache_entries"`
	// MemoPath is the SQLite file persisting partition lookups. Empty keeps
	// them in memory only.
	MemoPath          string `yaml:"memo_path"`
}

// TilesConfig sets the tile geometry served for every image.
type TilesConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	PlaneEntries  int           `yaml:"plane_entries"`
	PlaneTTL      time.Duration `yaml:"plane_ttl"`
	EncodedSizeMB int           `yaml:"encoded_size_mb"`
	EncodedTTL    time.Duration `yaml:"encoded_ttl"`
}

// PreviewConfig contains thumbnail settings.
type PreviewConfig struct {
	MaxWidth int `yaml:"max_width"`
}

// PyramidConfig contains level discovery tolerances.
type PyramidConfig struct {
	LevelTolerance   float64 `yaml:"level_tolerance"`
	PreviewTolerance float64 `yaml:"preview_tolerance"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file. A missing file yields the
// default configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Store: StoreConfig{
			Kind:              "local",
			Root:              "./data/store",
			PlaneCacheEntries: 16,
		},
		Tiles: TilesConfig{
			Width:  512,
			Height: 512,
		},
		Cache: CacheConfig{
			PlaneEntries:  40,
			PlaneTTL:      5 * time.Minute,
			EncodedSizeMB: 128,
			EncodedTTL:    5 * time.Minute,
		},
		Preview: PreviewConfig{
			MaxWidth: 300,
		},
		Pyramid: PyramidConfig{
			LevelTolerance:   0.05,
			PreviewTolerance: 0.001,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if c.Store.Kind != "local" {
		return fmt.Errorf("unsupported store kind %q", c.Store.Kind)
	}
	if c.Tiles.Width < 16 || c.Tiles.Height < 16 {
		return fmt.Errorf("tile size %dx%d too small", c.Tiles.Width, c.Tiles.Height)
	}
	if c.Pyramid.PreviewTolerance > c.Pyramid.LevelTolerance {
		return fmt.Errorf("preview tolerance %g exceeds level tolerance %g", c.Pyramid.PreviewTolerance, c.Pyramid.LevelTolerance)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Store.Kind == "" {
		cfg.Store.Kind = defaults.Store.Kind
	}
	if cfg.Store.Root == "" {
		cfg.Store.Root = defaults.Store.Root
	}
	if cfg.Store.PlaneCacheEntries == 0 {
		cfg.Store.PlaneCacheEntries = defaults.Store.PlaneCacheEntries
	}
	if cfg.Tiles.Width == 0 {
		cfg.Tiles.Width = defaults.Tiles.Width
	}
	if cfg.Tiles.Height == 0 {
		cfg.Tiles.Height = cfg.Tiles.Width
	}
	if cfg.Cache.PlaneEntries == 0 {
		cfg.Cache.PlaneEntries = defaults.Cache.PlaneEntries
	}
	if cfg.Cache.PlaneTTL == 0 {
		cfg.Cache.PlaneTTL = defaults.Cache.PlaneTTL
	}
	if cfg.Cache.EncodedSizeMB == 0 {
		cfg.Cache.EncodedSizeMB = defaults.Cache.EncodedSizeMB
	}
	if cfg.Cache.EncodedTTL == 0 {
		cfg.Cache.EncodedTTL = defaults.Cache.EncodedTTL
	}
	if cfg.Preview.MaxWidth == 0 {
		cfg.Preview.MaxWidth = defaults.Preview.MaxWidth
	}
	if cfg.Pyramid.LevelTolerance == 0 {
		cfg.Pyramid.LevelTolerance = defaults.Pyramid.LevelTolerance
	}
	if cfg.Pyramid.PreviewTolerance == 0 {
		cfg.Pyramid.PreviewTolerance = defaults.Pyramid.PreviewTolerance
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
}
