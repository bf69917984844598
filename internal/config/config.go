// Package config loads process configuration from the environment and the
// layer registry from a YAML file. The registry is the closed set of layer
// names the system manages; objects that do not attribute to a registered
// layer are ignored everywhere.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,notEmpty"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	SourceBucketURL string `env:"SOURCE_BUCKET_URL,notEmpty"`
	SourcePrefix    string `env:"SOURCE_PREFIX" envDefault:"covariates"`
	DestBucketURL   string `env:"DEST_BUCKET_URL,notEmpty"`
	DestPrefix      string `env:"DEST_PREFIX" envDefault:"cog"`

	JobAPIURL  string `env:"JOB_API_URL,notEmpty"`
	JobProject string `env:"JOB_PROJECT,notEmpty"`

	LayersFile string `env:"LAYERS_FILE" envDefault:"layers.yaml"`

	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"60s"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"120s"`
	MergeWorkers      int           `env:"MERGE_WORKERS" envDefault:"2"`

	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.MergeWorkers < 1 {
		return nil, fmt.Errorf("MERGE_WORKERS must be at least 1, got %d", cfg.MergeWorkers)
	}
	return &cfg, nil
}

// Layer is one registered layer.
type Layer struct {
	Name        string `yaml:"name"`
	Category    string `yaml:"category"`
	Description string `yaml:"description"`
}

// LoadLayers reads the layer registry file. Duplicate names are rejected;
// attribution depends on each name appearing once.
func LoadLayers(path string) ([]Layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layer registry %s: %w", path, err)
	}

	var doc struct {
		Layers []Layer `yaml:"layers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse layer registry %s: %w", path, err)
	}
	if len(doc.Layers) == 0 {
		return nil, fmt.Errorf("layer registry %s lists no layers", path)
	}

	seen := make(map[string]bool, len(doc.Layers))
	for _, l := range doc.Layers {
		if l.Name == "" {
			return nil, fmt.Errorf("layer registry %s has a layer with no name", path)
		}
		if seen[l.Name] {
			return nil, fmt.Errorf("layer registry %s lists %q twice", path, l.Name)
		}
		seen[l.Name] = true
	}
	return doc.Layers, nil
}

// LayerNames returns the sorted names of the registered layers.
func LayerNames(layers []Layer) []string {
	names := make([]string, 0, len(layers))
	for _, l := range layers {
		names = append(names, l.Name)
	}
	sort.Strings(names)
	return names
}
