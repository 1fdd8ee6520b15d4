// Package config loads the broker's configuration: defaults, an
// optional YAML file, and a CHANBROKER_* environment overlay applied on
// top of both.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"chanbroker/internal/segment"
)

// Config is the broker's full configuration surface.
type Config struct {
	DataDir          string `yaml:"data_dir"`
	ListenAddr       string `yaml:"listen_addr"`
	LogLevel         string `yaml:"log_level"`
	DefaultBatchSize int    `yaml:"default_batch_size"`
	SegmentCacheSize int    `yaml:"segment_cache_size"`
	SegmentMaxSize   int64  `yaml:"segment_max_size"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		DataDir:          "./data",
		ListenAddr:       ":8080",
		LogLevel:         "info",
		DefaultBatchSize: 100,
		SegmentCacheSize: 500,
		SegmentMaxSize:   segment.DefaultMaxSegmentSize,
	}
}

// Load builds the broker's configuration: defaults, an optional YAML
// file at path overlaid on top (path may be empty to skip this step),
// and finally the CHANBROKER_* environment variables overlaid on top of
// both.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	d := Default()
	if cfg.DataDir == "" {
		cfg.DataDir = d.DataDir
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = d.ListenAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.DefaultBatchSize == 0 {
		cfg.DefaultBatchSize = d.DefaultBatchSize
	}
	if cfg.SegmentCacheSize == 0 {
		cfg.SegmentCacheSize = d.SegmentCacheSize
	}
	if cfg.SegmentMaxSize == 0 {
		cfg.SegmentMaxSize = d.SegmentMaxSize
	}
}

// applyEnvOverrides overlays CHANBROKER_* environment variables onto
// cfg, taking precedence over both defaults and the YAML file. Unset or
// unparsable variables are left alone.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHANBROKER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CHANBROKER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CHANBROKER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CHANBROKER_DEFAULT_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultBatchSize = n
		}
	}
	if v := os.Getenv("CHANBROKER_SEGMENT_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SegmentCacheSize = n
		}
	}
	if v := os.Getenv("CHANBROKER_SEGMENT_MAX_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.SegmentMaxSize = n
		}
	}
}
