// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

package trainer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aviary-ml/aviary/internal/engine"
)

// Scheduler fires periodic batch training from per-instance cron
// expressions (the training.schedule parameter). A firing that overlaps
// an in-flight run is absorbed by the AlreadyTraining rule.
type Scheduler struct {
	orch   *Orchestrator
	cron   *cron.Cron
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler creates a scheduler over the given orchestrator.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func NewScheduler(orch *Orchestrator, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		orch:    orch,
		cron:    cron.New(),
		logger:  logger.With().Str("component", "scheduler").Logger(),
		entries: make(map[string]cron.EntryID),
	}
}

// Add schedules periodic training for id. An existing schedule for the
// same id is replaced.
func (s *Scheduler) Add(id, spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}

	entry, err := s.cron.AddFunc(spec, func() { s.fire(id) })
	if err != nil {
		return fmt.Errorf("schedule %q for %s: %w", spec, id, err)
	}
	s.entries[id] = entry

	s.logger.Info().
		Str("engine_id", id).
		Str("schedule", spec).
		Msg("training schedule registered")
	return nil
}

// Remove drops the schedule for id, if any.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
}

// fire triggers one scheduled batch run.
func (s *Scheduler) fire(id string) {
	err := s.orch.Train(context.Background(), id)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrAlreadyTraining):
		s.logger.Debug().
			Str("engine_id", id).
			Msg("scheduled training skipped: run already in flight")
	case errors.Is(err, engine.ErrNotFound):
		// Instance destroyed between Remove and this firing.
	default:
		s.logger.Warn().
			Str("engine_id", id).
			Err(err).
			Msg("scheduled training failed to start")
	}
}

// Serve implements suture.Service: it runs the cron loop until the
// context is canceled, then waits for any running job callbacks.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logging.
func (s *Scheduler) String() string {
	return "training-scheduler"
}
