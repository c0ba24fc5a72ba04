// Package config provides configuration loading and management for logedges.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"logedges/pkg/kernel"
	"logedges/pkg/transport"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// Procs is the number of in-process ranks when no launcher is involved;
		// it is truncated to a power of two
		Procs int `yaml:"procs"`

		// Threads is the number of filtering tasks per rank, 0 means one per CPU
		Threads int `yaml:"threads"`

		// Boundary selects the stencil boundary policy: skip or clamp
		Boundary string `yaml:"boundary"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Path is where rank 0 writes the edge map
		Path string `yaml:"path"`

		// Verbose controls progress logging
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`

	// Transport parameters for multi-process runs
	Transport struct {
		// Address rank 0 listens on when it is not handed a listener
		Address string `yaml:"address"`

		// Compression of bulk pixel frames: none or zstd
		Compression string `yaml:"compression"`

		// ConnectTimeout bounds how long ranks wait for each other at startup
		ConnectTimeout time.Duration `yaml:"connectTimeout"`
	} `yaml:"transport"`

	// Metrics parameters
	Metrics struct {
		// EdgeThreshold is the intensity at or above which a pixel counts as an edge
		EdgeThreshold int `yaml:"edgeThreshold"`
	} `yaml:"metrics"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.Procs = 4
	cfg.Processing.Threads = 4
	cfg.Processing.Boundary = kernel.Skip.String()

	cfg.Output.Path = "edges.png"
	cfg.Output.Verbose = true

	cfg.Transport.Address = "127.0.0.1:7390"
	cfg.Transport.Compression = transport.CompressNone.String()
	cfg.Transport.ConnectTimeout = 30 * time.Second

	cfg.Metrics.EdgeThreshold = 128

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// Validate reports the first setting that cannot be used
func (c *Config) Validate() error {
	if c.Processing.Procs < 1 {
		return fmt.Errorf("processing.procs must be at least 1, got %d", c.Processing.Procs)
	}
	if c.Processing.Threads < 0 {
		return fmt.Errorf("processing.threads must not be negative, got %d", c.Processing.Threads)
	}
	if _, err := kernel.ParsePolicy(c.Processing.Boundary); err != nil {
		return fmt.Errorf("processing.boundary: %w", err)
	}
	if c.Output.Path == "" {
		return fmt.Errorf("output.path must not be empty")
	}
	if _, err := transport.ParseCompression(c.Transport.Compression); err != nil {
		return fmt.Errorf("transport.compression: %w", err)
	}
	if c.Metrics.EdgeThreshold < 0 || c.Metrics.EdgeThreshold > 255 {
		return fmt.Errorf("metrics.edgeThreshold must be within [0, 255], got %d", c.Metrics.EdgeThreshold)
	}
	return nil
}

// Threads returns the configured thread count with 0 resolved to the CPU count
func (c *Config) Threads() int {
	if c.Processing.Threads == 0 {
		return runtime.NumCPU()
	}
	return c.Processing.Threads
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
