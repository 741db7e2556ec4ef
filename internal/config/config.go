package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// MetadataPolicy defines which file metadata creation artifacts keep
type MetadataPolicy string

const (
	MetadataPreserve MetadataPolicy = "preserve"
	MetadataNone     MetadataPolicy = "none"
)

// Config represents the complete patchset configuration
type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	Generate GenerateConfig `yaml:"generate"`
}

// PathsConfig configures the input trees and the bundle output root
type PathsConfig struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
	Output string `yaml:"output"`
}

// GenerateConfig configures patchset generation
type GenerateConfig struct {
	Workers  int            `yaml:"workers"`
	Exclude  []string       `yaml:"exclude"`
	Metadata MetadataPolicy `yaml:"metadata"`
}

// Default returns the configuration used when no config file is given
func Default() *Config {
	cfg := &Config{
		Paths: PathsConfig{
			Source: "source",
			Target: "target",
			Output: "output",
		},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML over the defaults so omitted keys keep their default value
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Paths.Source = os.ExpandEnv(c.Paths.Source)
	c.Paths.Target = os.ExpandEnv(c.Paths.Target)
	c.Paths.Output = os.ExpandEnv(c.Paths.Output)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Generate.Workers == 0 {
		c.Generate.Workers = runtime.NumCPU()
	}
	if c.Generate.Metadata == "" {
		c.Generate.Metadata = MetadataPreserve
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate paths
	if c.Paths.Source == "" {
		return fmt.Errorf("paths.source is required")
	}
	if c.Paths.Target == "" {
		return fmt.Errorf("paths.target is required")
	}
	if c.Paths.Output == "" {
		return fmt.Errorf("paths.output is required")
	}

	source, err := filepath.Abs(c.Paths.Source)
	if err != nil {
		return fmt.Errorf("paths.source: %w", err)
	}
	target, err := filepath.Abs(c.Paths.Target)
	if err != nil {
		return fmt.Errorf("paths.target: %w", err)
	}
	output, err := filepath.Abs(c.Paths.Output)
	if err != nil {
		return fmt.Errorf("paths.output: %w", err)
	}

	if source == target {
		return fmt.Errorf("paths.source and paths.target must differ: %s", source)
	}

	// The output root is removed wholesale, so it must never overlap an input
	if overlaps(output, source) {
		return fmt.Errorf("paths.output (%s) must not overlap paths.source (%s)", output, source)
	}
	if overlaps(output, target) {
		return fmt.Errorf("paths.output (%s) must not overlap paths.target (%s)", output, target)
	}

	if c.Generate.Workers < 1 {
		return fmt.Errorf("generate.workers must be at least 1, got %d", c.Generate.Workers)
	}

	for _, pattern := range c.Generate.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("generate.exclude: invalid pattern %q", pattern)
		}
	}

	// Validate metadata policy
	switch c.Generate.Metadata {
	case MetadataPreserve, MetadataNone:
		// valid
	default:
		return fmt.Errorf("invalid generate.metadata policy: %s (must be preserve or none)", c.Generate.Metadata)
	}

	return nil
}

// PreserveMetadata reports whether creation artifacts keep mode and mtime
func (c *Config) PreserveMetadata() bool {
	return c.Generate.Metadata == MetadataPreserve
}

// overlaps reports whether a equals b or one contains the other
func overlaps(a, b string) bool {
	if a == b {
		return true
	}
	return isWithin(a, b) || isWithin(b, a)
}

func isWithin(child, parent string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
