// Package config handles configuration loading and validation for blobmirror.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/blobmirror/blobmirror/internal/storage"
)

// DefaultMaskSuffix names tombstone objects when no suffix is configured.
// It is deliberately unusual to avoid colliding with real object names.
const DefaultMaskSuffix = ".bm-mask"

// LocalConfig holds configuration for the local store.
type LocalConfig struct {
	Dir      string `yaml:"dir"`      // Root directory of the local filesystem store
	Compress bool   `yaml:"compress"` // Enable transparent zstd compression of payloads
}

// UpstreamConfig holds configuration for the upstream store.
type UpstreamConfig struct {
	Type string           `yaml:"type"` // "s3" or "fs"
	Dir  string           `yaml:"dir"`  // Root directory when type is "fs"
	S3   storage.S3Config `yaml:"s3"`   // Connection settings when type is "s3"
}

// Config is the root blobmirror configuration.
type Config struct {
	LogLevel          string         `yaml:"log_level"`
	MaskSuffix        string         `yaml:"mask_suffix"`
	DeleteConcurrency int            `yaml:"delete_concurrency"`
	Local             LocalConfig    `yaml:"local"`
	Upstream          UpstreamConfig `yaml:"upstream"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in defaults for unset fields.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MaskSuffix == "" {
		c.MaskSuffix = DefaultMaskSuffix
	}
	if c.DeleteConcurrency == 0 {
		c.DeleteConcurrency = 8
	}
	if c.Upstream.Type == "" {
		c.Upstream.Type = "s3"
	}
	if c.Upstream.S3.Region == "" {
		c.Upstream.S3.Region = "us-east-1"
	}
}

// Validate checks the configuration for missing or contradictory settings.
func (c *Config) Validate() error {
	if c.Local.Dir == "" {
		return fmt.Errorf("local.dir is required")
	}
	if c.MaskSuffix == "" {
		return fmt.Errorf("mask_suffix must not be empty")
	}
	switch c.Upstream.Type {
	case "s3":
		// Endpoint and credentials are optional: the AWS SDK falls back to
		// its default chain for real AWS.
	case "fs":
		if c.Upstream.Dir == "" {
			return fmt.Errorf("upstream.dir is required when upstream.type is fs")
		}
	default:
		return fmt.Errorf("unknown upstream.type %q (want s3 or fs)", c.Upstream.Type)
	}
	return nil
}
