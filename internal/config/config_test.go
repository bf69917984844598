package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_DSN", "postgres://localhost/cog")
	t.Setenv("SOURCE_BUCKET_URL", "gs://tiles")
	t.Setenv("DEST_BUCKET_URL", "gs://cogs")
	t.Setenv("JOB_API_URL", "https://jobs.example.com")
	t.Setenv("JOB_PROJECT", "demo")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SourcePrefix != "covariates" || cfg.DestPrefix != "cog" {
		t.Errorf("prefixes = %q/%q", cfg.SourcePrefix, cfg.DestPrefix)
	}
	if cfg.PollInterval != 60*time.Second || cfg.ReconcileInterval != 120*time.Second {
		t.Errorf("intervals = %s/%s", cfg.PollInterval, cfg.ReconcileInterval)
	}
	if cfg.MergeWorkers != 2 {
		t.Errorf("MergeWorkers = %d, want 2", cfg.MergeWorkers)
	}
}

func TestLoadRequiresDSN(t *testing.T) {
	t.Setenv("DATABASE_DSN", "")
	t.Setenv("SOURCE_BUCKET_URL", "gs://tiles")
	t.Setenv("DEST_BUCKET_URL", "gs://cogs")
	t.Setenv("JOB_API_URL", "https://jobs.example.com")
	t.Setenv("JOB_PROJECT", "demo")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for empty DATABASE_DSN")
	}
}

func writeRegistry(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "layers.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	return path
}

func TestLoadLayers(t *testing.T) {
	path := writeRegistry(t, `
layers:
  - name: elev
    category: topography
    description: Elevation (m)
  - name: pop_2020
    category: demographics
`)
	layers, err := LoadLayers(path)
	if err != nil {
		t.Fatalf("LoadLayers failed: %v", err)
	}
	if len(layers) != 2 {
		t.Fatalf("got %d layers, want 2", len(layers))
	}
	if layers[0].Name != "elev" || layers[0].Category != "topography" {
		t.Errorf("first layer = %+v", layers[0])
	}

	names := LayerNames(layers)
	if len(names) != 2 || names[0] != "elev" || names[1] != "pop_2020" {
		t.Errorf("LayerNames = %v", names)
	}
}

func TestLoadLayersRejectsDuplicates(t *testing.T) {
	path := writeRegistry(t, `
layers:
  - name: elev
  - name: elev
`)
	_, err := LoadLayers(path)
	if err == nil || !strings.Contains(err.Error(), "twice") {
		t.Fatalf("err = %v, want duplicate rejection", err)
	}
}

func TestLoadLayersEmpty(t *testing.T) {
	path := writeRegistry(t, "layers: []\n")
	if _, err := LoadLayers(path); err == nil {
		t.Fatal("expected error for empty registry")
	}
}
