// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the configuration for the durable
// workflow host and its CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete configuration for the durable workflow host and
// CLI.
type Config struct {
	// Version indicates the config format version.
	Version int `yaml:"version,omitempty"`

	Log     LogConfig     `yaml:"log"`
	Durable DurableConfig `yaml:"durable"`
}

// LogConfig configures the host's slog logger.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Read from the YAML file only; Load does not consult the environment.
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Read from the YAML file only; Load does not consult the environment.
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	AddSource bool `yaml:"add_source"`
}

// DurableConfig configures the durable engine's storage and message
// transport drivers and its observability wiring.
type DurableConfig struct {
	// SQLitePath is the filesystem path to the SQLite database backing
	// pkg/durable/sqlitestore.
	SQLitePath string `yaml:"sqlite_path"`

	// RedisAddr is the address of the Redis instance backing
	// pkg/durable/redisqueue. Empty disables the Redis message driver;
	// the engine falls back to the storage mirror's local message
	// buffering.
	RedisAddr string `yaml:"redis_addr,omitempty"`

	// RedisPassword authenticates against RedisAddr, if set.
	RedisPassword string `yaml:"redis_password,omitempty"`

	// WorkerPollIntervalMS is the host's polling interval for sleeping
	// workflows whose wake deadline has not yet arrived, in
	// milliseconds. Also reported to the engine as
	// PersistenceDriver.WorkerPollInterval.
	WorkerPollIntervalMS int `yaml:"worker_poll_interval_ms"`

	// TracingEnabled turns on OpenTelemetry span emission for durable
	// operations.
	TracingEnabled bool `yaml:"tracing_enabled"`

	// MetricsAddr, if set, serves Prometheus metrics for the durable
	// engine on this address (e.g. ":9090").
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// WorkerPollInterval returns WorkerPollIntervalMS as a time.Duration,
// defaulting to 2s when unset.
func (d DurableConfig) WorkerPollInterval() time.Duration {
	if d.WorkerPollIntervalMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(d.WorkerPollIntervalMS) * time.Millisecond
}

// Default returns a Config with sensible defaults: a SQLite database
// under the XDG data directory, no Redis (local message buffering), and
// a 2s worker poll interval.
func Default() *Config {
	return &Config{
		Version: 1,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Durable: DurableConfig{
			SQLitePath:           defaultSQLitePath(),
			WorkerPollIntervalMS: 2000,
		},
	}
}

func defaultSQLitePath() string {
	dir, err := DataDir()
	if err != nil {
		return "conductor.db"
	}
	return filepath.Join(dir, "conductor.db")
}

// Load reads and parses the config file at path, filling in defaults for
// anything left unset. An empty path resolves to ConfigPath().
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := ConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	loaded := &Config{}
	if err := yaml.Unmarshal(data, loaded); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	mergeLoaded(cfg, loaded)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeLoaded overlays every field loaded explicitly from disk onto cfg,
// leaving cfg's defaults in place for everything the file didn't set.
func mergeLoaded(cfg, loaded *Config) {
	if loaded.Version != 0 {
		cfg.Version = loaded.Version
	}
	if loaded.Log.Level != "" {
		cfg.Log.Level = loaded.Log.Level
	}
	if loaded.Log.Format != "" {
		cfg.Log.Format = loaded.Log.Format
	}
	cfg.Log.AddSource = loaded.Log.AddSource

	if loaded.Durable.SQLitePath != "" {
		cfg.Durable.SQLitePath = loaded.Durable.SQLitePath
	}
	if loaded.Durable.RedisAddr != "" {
		cfg.Durable.RedisAddr = loaded.Durable.RedisAddr
	}
	if loaded.Durable.RedisPassword != "" {
		cfg.Durable.RedisPassword = loaded.Durable.RedisPassword
	}
	if loaded.Durable.WorkerPollIntervalMS != 0 {
		cfg.Durable.WorkerPollIntervalMS = loaded.Durable.WorkerPollIntervalMS
	}
	cfg.Durable.TracingEnabled = loaded.Durable.TracingEnabled
	if loaded.Durable.MetricsAddr != "" {
		cfg.Durable.MetricsAddr = loaded.Durable.MetricsAddr
	}
}

// Validate checks cfg for internal consistency.
func Validate(cfg *Config) error {
	if cfg.Durable.SQLitePath == "" {
		return fmt.Errorf("%w: durable.sqlite_path is required", ErrInvalidConfig)
	}
	switch cfg.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("%w: log.format must be json or text, got %q", ErrInvalidConfig, cfg.Log.Format)
	}
	return nil
}
