// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ValueLogGC is the garbage collection hook of the mirror log's backing
// store.
type ValueLogGC interface {
	RunGC() error
}

// MirrorGCService periodically reclaims space in the mirror log's value
// log. Append-only stores never shrink on their own; without this the
// value log grows with every mirrored event forever.
type MirrorGCService struct {
	log      ValueLogGC
	interval time.Duration
	logger   zerolog.Logger
}

// NewMirrorGCService creates the maintenance service.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func NewMirrorGCService(log ValueLogGC, interval time.Duration, logger zerolog.Logger) *MirrorGCService {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &MirrorGCService{
		log:      log,
		interval: interval,
		logger:   logger.With().Str("component", "mirror-gc").Logger(),
	}
}

// Serve implements suture.Service.
func (s *MirrorGCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			started := time.Now()
			if err := s.log.RunGC(); err != nil {
				s.logger.Warn().Err(err).Msg("value log GC failed")
				continue
			}
			s.logger.Debug().Dur("elapsed", time.Since(started)).Msg("value log GC pass complete")
		}
	}
}

// String identifies the service in supervisor logs.
func (s *MirrorGCService) String() string {
	return "mirror-gc"
}
