// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

// Package router dispatches per-instance traffic: events, queries, and
// training commands addressed by engine id. For mirrored instances the
// event is durably appended to the mirror log before the engine sees it
// and before the caller is acknowledged.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/aviary-ml/aviary/internal/engine"
	"github.com/aviary-ml/aviary/internal/metrics"
	"github.com/aviary-ml/aviary/internal/mirror"
	"github.com/aviary-ml/aviary/internal/registry"
	"github.com/aviary-ml/aviary/internal/trainer"
	"github.com/aviary-ml/aviary/internal/validation"
)

// Router routes input, query, train, and replay calls to live engine
// instances.
type Router struct {
	reg    *registry.Registry
	orch   *trainer.Orchestrator
	log    *mirror.Log
	logger zerolog.Logger
}

// New creates a router. mlog may be nil when mirroring is disabled
// host-wide; mirrored instances then reject events.
func New(reg *registry.Registry, orch *trainer.Orchestrator, mlog *mirror.Log, logger zerolog.Logger) *Router {
	return &Router{
		reg:    reg,
		orch:   orch,
		log:    mlog,
		logger: logger.With().Str("component", "router").Logger(),
	}
}

// Input accepts one event for the addressed instance. Acceptance order
// for a mirrored instance is strict: validate, append to the mirror log,
// then hand to the engine. A mirror failure means the event was not
// accepted.
func (r *Router) Input(ctx context.Context, id string, event engine.Event) error {
	inst, ok := r.reg.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %q", engine.ErrNotFound, id)
	}

	if err := validation.ValidateStruct(&event); err != nil {
		metrics.RecordEventRejected(id)
		return err
	}
	event.Normalize(time.Now().UTC())

	if event.IsReserved() {
		if _, ok := inst.Engine.(engine.PropertyMutator); !ok {
			metrics.RecordEventRejected(id)
			return fmt.Errorf("%w: %q requires property support", engine.ErrEventUnsupported, event.Name)
		}
	}

	if inst.Mirrored {
		if err := r.mirrorAppend(ctx, id, event); err != nil {
			metrics.RecordEventRejected(id)
			return err
		}
	}

	if err := r.dispatch(ctx, id, inst, event); err != nil {
		metrics.RecordEventRejected(id)
		return err
	}

	metrics.RecordEventAccepted(id)
	return nil
}

// mirrorAppend persists the event durably before acknowledgement.
func (r *Router) mirrorAppend(ctx context.Context, id string, event engine.Event) error {
	if r.log == nil {
		return engine.NewStorageError(id, "mirror-append", mirror.ErrClosed)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return engine.NewStorageError(id, "mirror-encode", err)
	}

	if _, err := r.log.Append(ctx, id, event.EventTime, event.CreationTime, payload); err != nil {
		r.logger.Error().Str("engine_id", id).Err(err).Msg("mirror append failed; event not accepted")
		return engine.NewStorageError(id, "mirror-append", err)
	}
	return nil
}

// dispatch hands the validated, mirrored event to the engine. Reserved
// property events go through the property hook; everything else enters
// the orchestrator's mutation path.
func (r *Router) dispatch(ctx context.Context, id string, inst *registry.Instance, event engine.Event) error {
	if event.IsReserved() {
		mut, ok := inst.Engine.(engine.PropertyMutator)
		if !ok {
			return fmt.Errorf("%w: %q requires property support", engine.ErrEventUnsupported, event.Name)
		}
		if err := mut.MutateProperties(ctx, event); err != nil {
			return engine.NewAlgorithmError(id, "properties", err)
		}
		return nil
	}
	return r.orch.Accept(ctx, id, event)
}

// Query runs a read-only query against the addressed instance and
// returns the engine's raw result document.
func (r *Router) Query(ctx context.Context, id string, query json.RawMessage) (json.RawMessage, error) {
	inst, ok := r.reg.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", engine.ErrNotFound, id)
	}

	result, err := inst.Engine.Query(ctx, query)
	if err != nil {
		return nil, engine.NewAlgorithmError(id, "query", err)
	}

	metrics.RecordQuery(id)
	return result, nil
}

// Train starts a batch training run on the addressed instance.
func (r *Router) Train(ctx context.Context, id string) error {
	if _, ok := r.reg.Lookup(id); !ok {
		return fmt.Errorf("%w: %q", engine.ErrNotFound, id)
	}
	return r.orch.Train(ctx, id)
}

// TrainStatus reports the orchestrator's view of the instance.
func (r *Router) TrainStatus(id string) (trainer.Status, error) {
	if _, ok := r.reg.Lookup(id); !ok {
		return trainer.Status{}, fmt.Errorf("%w: %q", engine.ErrNotFound, id)
	}
	return r.orch.Status(id)
}

// Replay feeds the instance's mirrored events back through its input
// path in original acceptance order, skipping the mirror append so the
// log is not duplicated. Records the current engine configuration
// rejects (a record mirrored before a later rejection, or mirrored for
// a differently configured predecessor) are skipped, never fatal:
// replay must always be able to rebuild the Dataset from whatever the
// log holds. Storage failures and cancellation abort. Returns the
// number of events applied.
func (r *Router) Replay(ctx context.Context, id string) (int, error) {
	inst, ok := r.reg.Lookup(id)
	if !ok {
		return 0, fmt.Errorf("%w: %q", engine.ErrNotFound, id)
	}
	if r.log == nil {
		return 0, engine.NewStorageError(id, "replay", mirror.ErrClosed)
	}

	started := time.Now()
	applied, skipped := 0, 0
	_, err := r.log.Replay(ctx, id, func(ctx context.Context, rec mirror.Record) error {
		var event engine.Event
		if uerr := json.Unmarshal(rec.Event, &event); uerr != nil {
			return fmt.Errorf("record %d: %w", rec.Sequence, uerr)
		}
		derr := r.dispatch(ctx, id, inst, event)
		switch {
		case derr == nil:
			applied++
		case isEngineRejection(derr):
			skipped++
			r.logger.Warn().
				Str("engine_id", id).
				Uint64("seq", rec.Sequence).
				Err(derr).
				Msg("replay skipped rejected record")
		default:
			return derr
		}
		return nil
	})
	if err != nil {
		return applied, err
	}

	r.logger.Info().
		Str("engine_id", id).
		Int("applied", applied).
		Int("skipped", skipped).
		Dur("elapsed", time.Since(started)).
		Msg("mirror replay complete")
	return applied, nil
}

// isEngineRejection reports whether the dispatch failure came from the
// engine itself rather than storage or cancellation.
func isEngineRejection(err error) bool {
	var aerr *engine.AlgorithmError
	return errors.As(err, &aerr) || errors.Is(err, engine.ErrEventUnsupported)
}
