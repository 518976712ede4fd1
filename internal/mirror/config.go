// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

package mirror

import (
	"fmt"
	"time"
)

// Config holds mirror log configuration.
type Config struct {
	// Path is the on-disk location of the mirror store.
	Path string

	// SyncWrites forces fsync on every append. Required for the
	// at-least-once-durable-before-acknowledgement guarantee; disable
	// only in tests.
	SyncWrites bool

	// GCRatio is the badger value-log GC rewrite threshold (0-1).
	GCRatio float64

	// CloseTimeout bounds Close to prevent indefinite shutdown hangs.
	CloseTimeout time.Duration
}

// DefaultConfig returns production defaults for the given path.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:         path,
		SyncWrites:   true,
		GCRatio:      0.5,
		CloseTimeout: 30 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("mirror path is required")
	}
	if c.GCRatio <= 0 || c.GCRatio > 1 {
		return fmt.Errorf("gc ratio must be in range (0, 1], got %v", c.GCRatio)
	}
	return nil
}
