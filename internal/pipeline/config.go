package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config holds the pipeline-wide settings shared by all roles.
type Config struct {
	Model               string  `yaml:"model"`
	Temperature         float64 `yaml:"temperature"`
	MaxIterations       int     `yaml:"max_iterations"`
	ClusterRadiusMeters float64 `yaml:"cluster_radius_meters"`
	LookupBaseURL       string  `yaml:"lookup_base_url"`
}

func DefaultConfig() Config {
	return Config{
		Model:               "gpt-4o",
		Temperature:         0.1,
		MaxIterations:       5,
		ClusterRadiusMeters: 50,
	}
}

// LoadConfig reads YAML overrides on top of the defaults. A missing path
// returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read pipeline config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse pipeline config %s: %w", path, err)
	}

	if cfg.ClusterRadiusMeters <= 0 {
		cfg.ClusterRadiusMeters = DefaultConfig().ClusterRadiusMeters
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}

	return cfg, nil
}

func (c Config) roleConfig() RoleConfig {
	return RoleConfig{
		Model:         c.Model,
		Temperature:   c.Temperature,
		MaxIterations: c.MaxIterations,
	}
}
