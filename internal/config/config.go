// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

// Package config provides process configuration for Aviary.
//
// Configuration is loaded in layers with clear precedence:
// environment variables > YAML config file > built-in defaults.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the Aviary server process.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Data      DataConfig      `koanf:"data"`
	API       APIConfig       `koanf:"api"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// Host is the listen address.
	Host string `koanf:"host"`

	// Port is the listen port.
	Port int `koanf:"port"`

	// ReadTimeout bounds request header+body reads.
	ReadTimeout time.Duration `koanf:"read_timeout"`

	// WriteTimeout bounds response writes. Batch training never runs on
	// the request path, so this stays short.
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DataConfig controls on-disk state.
type DataConfig struct {
	// Dir is the base data directory. MetadataPath and MirrorPath default
	// to subdirectories of Dir when left empty.
	Dir string `koanf:"dir"`

	// MetadataPath is the instance metadata store location.
	MetadataPath string `koanf:"metadata_path"`

	// MirrorPath is the mirror log location.
	MirrorPath string `koanf:"mirror_path"`

	// SyncWrites forces fsync on every mirror append. Disabling trades
	// the mirroring durability guarantee for throughput; keep it on in
	// production.
	SyncWrites bool `koanf:"sync_writes"`

	// GCInterval is how often mirror value-log garbage collection runs.
	GCInterval time.Duration `koanf:"gc_interval"`

	// GCRatio is the badger value-log GC rewrite threshold (0-1).
	GCRatio float64 `koanf:"gc_ratio"`
}

// APIConfig controls the REST surface.
type APIConfig struct {
	// RateLimitReqs is the allowed requests per client IP per window.
	RateLimitReqs int `koanf:"rate_limit_reqs"`

	// RateLimitWindow is the rate limiting window.
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`

	// RateLimitDisabled turns off rate limiting entirely.
	RateLimitDisabled bool `koanf:"rate_limit_disabled"`

	// RequestTimeout bounds a single boundary call.
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// SchedulerConfig controls cron-driven periodic training.
type SchedulerConfig struct {
	// Enabled turns the training scheduler on. Instances without a
	// training.schedule parameter are unaffected either way.
	Enabled bool `koanf:"enabled"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for coherent values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in range 1-65535, got %d", c.Server.Port)
	}
	if c.Data.Dir == "" && (c.Data.MetadataPath == "" || c.Data.MirrorPath == "") {
		return fmt.Errorf("data.dir is required when metadata_path or mirror_path is unset")
	}
	if c.Data.GCRatio <= 0 || c.Data.GCRatio > 1 {
		return fmt.Errorf("data.gc_ratio must be in range (0, 1], got %v", c.Data.GCRatio)
	}
	if c.Data.GCInterval < time.Minute {
		return fmt.Errorf("data.gc_interval must be at least 1m, got %v", c.Data.GCInterval)
	}
	if !c.API.RateLimitDisabled && c.API.RateLimitReqs < 1 {
		return fmt.Errorf("api.rate_limit_reqs must be positive, got %d", c.API.RateLimitReqs)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// MetadataPath returns the effective metadata store path.
func (c *Config) MetadataPath() string {
	if c.Data.MetadataPath != "" {
		return c.Data.MetadataPath
	}
	return c.Data.Dir + "/metadata"
}

// MirrorPath returns the effective mirror log path.
func (c *Config) MirrorPath() string {
	if c.Data.MirrorPath != "" {
		return c.Data.MirrorPath
	}
	return c.Data.Dir + "/mirror"
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
