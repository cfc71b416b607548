package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Partial(t *testing.T) {
	content := `
server:
  port: 9000
store:
  root: "/srv/images"
tiles:
  width: 256
cache:
  plane_entries: 100
  plane_ttl: 90s
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Store.Root != "/srv/images" {
		t.Errorf("unexpected store root: %s", cfg.Store.Root)
	}
	if cfg.Store.Kind != "local" {
		t.Errorf("expected default store kind local, got %q", cfg.Store.Kind)
	}
	if cfg.Tiles.Width != 256 || cfg.Tiles.Height != 256 {
		t.Errorf("expected 256x256 tiles, got %dx%d", cfg.Tiles.Width, cfg.Tiles.Height)
	}
	if cfg.Cache.PlaneEntries != 100 {
		t.Errorf("expected 100 plane entries, got %d", cfg.Cache.PlaneEntries)
	}
	if cfg.Cache.PlaneTTL != 90*time.Second {
		t.Errorf("expected 90s plane ttl, got %v", cfg.Cache.PlaneTTL)
	}
	if cfg.Cache.EncodedTTL != 5*time.Minute {
		t.Errorf("expected default encoded ttl, got %v", cfg.Cache.EncodedTTL)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := DefaultConfig()
	if cfg.Tiles != def.Tiles || cfg.Cache != def.Cache || cfg.Pyramid != def.Pyramid {
		t.Errorf("expected defaults, got %+v", cfg)
	}
	if cfg.Cache.PlaneEntries != 40 || cfg.Cache.PlaneTTL != 5*time.Minute {
		t.Errorf("unexpected cache defaults: %+v", cfg.Cache)
	}
	if cfg.Preview.MaxWidth != 300 {
		t.Errorf("unexpected preview width: %d", cfg.Preview.MaxWidth)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"kind":      "store:\n  kind: s3\n",
		"tiles":     "tiles:\n  width: 8\n",
		"tolerance": "pyramid:\n  level_tolerance: 0.0001\n  preview_tolerance: 0.01\n",
		"yaml":      "server: [",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}
