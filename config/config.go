// Package config loads the store configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the top-level configuration.
	Config struct {
		// BlobThresholdBytes is the payload size above which payloads are
		// offloaded to blob storage.
		BlobThresholdBytes int `yaml:"blob_threshold_bytes"`
		// ExecutionPageSize is the default page size for execution listings.
		ExecutionPageSize int `yaml:"execution_page_size"`
		// ObservationPageSize is the default page size for observation
		// listings.
		ObservationPageSize int `yaml:"observation_page_size"`
		// PollInterval is the refresh interval suggested to live views.
		PollInterval Duration `yaml:"poll_interval"`
		// Mongo configures the persistent stores.
		Mongo Mongo `yaml:"mongo"`
		// Redis configures blob storage and event streams.
		Redis Redis `yaml:"redis"`
	}

	// Mongo holds MongoDB connection settings.
	Mongo struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// Redis holds Redis connection settings.
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// Duration is a time.Duration that unmarshals from "2s" style YAML
	// strings.
	Duration time.Duration
)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", n.Value, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		BlobThresholdBytes:  64 << 10,
		ExecutionPageSize:   100,
		ObservationPageSize: 100,
		PollInterval:        Duration(2 * time.Second),
		Mongo: Mongo{
			URI:      "mongodb://localhost:27017",
			Database: "obs",
		},
		Redis: Redis{
			Addr: "localhost:6379",
		},
	}
}

// Load reads path and overlays it on the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.BlobThresholdBytes <= 0 {
		return fmt.Errorf("blob_threshold_bytes must be > 0")
	}
	if c.ExecutionPageSize <= 0 {
		return fmt.Errorf("execution_page_size must be > 0")
	}
	if c.ObservationPageSize <= 0 {
		return fmt.Errorf("observation_page_size must be > 0")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be > 0")
	}
	if c.Mongo.URI == "" {
		return fmt.Errorf("mongo.uri is required")
	}
	if c.Mongo.Database == "" {
		return fmt.Errorf("mongo.database is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	return nil
}
