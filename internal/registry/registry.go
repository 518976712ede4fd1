// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

// Package registry is the administrator: the single ownership point for
// live engine instances. It performs lifecycle CRUD, persists one
// metadata record per instance, and reconstructs all instances on
// process start. No other component holds cross-instance state.
//
// Structural operations (create, update, destroy) serialize per id;
// operations on different ids proceed concurrently.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/aviary-ml/aviary/internal/engine"
	"github.com/aviary-ml/aviary/internal/locking"
	"github.com/aviary-ml/aviary/internal/metrics"
	"github.com/aviary-ml/aviary/internal/params"
	"github.com/aviary-ml/aviary/internal/store"
	"github.com/aviary-ml/aviary/internal/trainer"
	"github.com/aviary-ml/aviary/internal/validation"
)

// TrainScheduler is the optional cron scheduler hook. A nil scheduler
// disables schedule registration without affecting lifecycle semantics.
type TrainScheduler interface {
	Add(id, spec string) error
	Remove(id string)
}

// Instance is the canonical record of one live engine instance. The
// registry exclusively owns it; the running Engine is a derived runtime
// object keyed by the same id.
//
// An Instance is immutable once published: Update swaps in a fresh
// record instead of mutating fields, so pointers handed out by Lookup
// and List are consistent snapshots safe to read without a lock.
type Instance struct {
	ID         string
	Factory    string
	Params     json.RawMessage
	Discipline engine.Discipline
	Mirrored   bool
	Engine     engine.Engine
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RestoreFailure records one instance that could not be reconstructed.
type RestoreFailure struct {
	EngineID string
	Err      error
}

// Registry owns the set of live instances.
type Registry struct {
	factories *engine.FactoryRegistry
	meta      store.Store
	orch      *trainer.Orchestrator
	sched     TrainScheduler
	logger    zerolog.Logger

	mu   sync.RWMutex
	live map[string]*Instance

	ids locking.KeyedMutex
}

// New creates a registry. sched may be nil.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func New(factories *engine.FactoryRegistry, meta store.Store, orch *trainer.Orchestrator, sched TrainScheduler, logger zerolog.Logger) *Registry {
	return &Registry{
		factories: factories,
		meta:      meta,
		orch:      orch,
		sched:     sched,
		logger:    logger.With().Str("component", "registry").Logger(),
		live:      make(map[string]*Instance),
	}
}

// Create validates the raw parameter document, constructs and initializes
// a new engine instance, persists its metadata, and registers it. On any
// failure no partial instance is left registered or persisted.
func (r *Registry) Create(ctx context.Context, raw []byte) (string, error) {
	p, err := params.Parse(raw)
	if err != nil {
		return "", err
	}
	id := p.EngineID

	unlock := r.ids.Lock(id)
	defer unlock()

	r.mu.RLock()
	_, exists := r.live[id]
	r.mu.RUnlock()
	if exists {
		return "", fmt.Errorf("%w: %q", engine.ErrDuplicateID, id)
	}

	inst, err := r.construct(ctx, id, p)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now

	if err := r.meta.Put(ctx, r.record(inst)); err != nil {
		// Roll back: the instance was never visible, release its state.
		if derr := inst.Engine.Destroy(ctx); derr != nil {
			r.logger.Warn().Str("engine_id", id).Err(derr).Msg("rollback destroy failed")
		}
		return "", engine.NewStorageError(id, "put-metadata", err)
	}

	r.register(inst)

	r.logger.Info().
		Str("engine_id", id).
		Str("factory", inst.Factory).
		Str("discipline", inst.Discipline.String()).
		Bool("mirrored", inst.Mirrored).
		Msg("engine instance created")
	return id, nil
}

// construct resolves the factory, builds the engine, and runs its Init
// over the full raw document.
func (r *Registry) construct(ctx context.Context, id string, p *params.EngineParams) (*Instance, error) {
	factory, err := r.factories.Resolve(p.EngineFactory)
	if err != nil {
		return nil, err
	}

	eng := factory(id)
	if err := eng.Init(ctx, p.Raw()); err != nil {
		return nil, engine.NewAlgorithmError(id, "init", err)
	}

	return &Instance{
		ID:         id,
		Factory:    p.EngineFactory,
		Params:     p.Raw(),
		Discipline: engine.DisciplineOf(eng),
		Mirrored:   p.MirrorEnabled(),
		Engine:     eng,
	}, nil
}

// register makes the instance visible and wires its training hooks.
// Must be called while holding the per-id lock.
func (r *Registry) register(inst *Instance) {
	if err := r.orch.Register(inst.ID, inst.Engine); err != nil {
		// Unreachable while the per-id lock is held; log and continue.
		r.logger.Error().Str("engine_id", inst.ID).Err(err).Msg("orchestrator registration failed")
	}

	if r.sched != nil {
		if spec := schedule(inst.Params); spec != "" {
			if err := r.sched.Add(inst.ID, spec); err != nil {
				r.logger.Warn().Str("engine_id", inst.ID).Err(err).Msg("training schedule rejected")
			}
		}
	}

	r.mu.Lock()
	r.live[inst.ID] = inst
	metrics.SetEngineInstances(len(r.live))
	r.mu.Unlock()
}

// Update re-initializes an existing instance with new parameters without
// touching its Dataset. When the engine rejects the change with
// ErrUnsupportedUpdate, the old configuration stays fully in effect and
// nothing is persisted. The new record becomes visible only after it is
// durable, so the live and persisted configurations never diverge.
func (r *Registry) Update(ctx context.Context, id string, raw []byte) error {
	unlock := r.ids.Lock(id)
	defer unlock()

	r.mu.RLock()
	inst, ok := r.live[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", engine.ErrNotFound, id)
	}

	p, err := params.Parse(raw)
	if err != nil {
		return err
	}
	if p.EngineID != id {
		return validation.NewError("engineId", "immutable",
			fmt.Sprintf("engineId %q does not match resource id %q", p.EngineID, id))
	}
	if p.EngineFactory != inst.Factory {
		return validation.NewError("engineFactory", "immutable",
			fmt.Sprintf("engineFactory cannot change from %q to %q", inst.Factory, p.EngineFactory))
	}

	if err := inst.Engine.Init(ctx, p.Raw()); err != nil {
		return engine.NewAlgorithmError(id, "update", err)
	}

	next := &Instance{
		ID:         id,
		Factory:    inst.Factory,
		Params:     p.Raw(),
		Discipline: inst.Discipline,
		Mirrored:   p.MirrorEnabled(),
		Engine:     inst.Engine,
		CreatedAt:  inst.CreatedAt,
		UpdatedAt:  time.Now().UTC(),
	}

	if err := r.meta.Put(ctx, r.record(next)); err != nil {
		// The engine already runs the new configuration; re-initialize
		// with the previous parameters so the live instance matches the
		// durable record it will be restored from.
		if rerr := inst.Engine.Init(ctx, inst.Params); rerr != nil {
			r.logger.Error().Str("engine_id", id).Err(rerr).Msg("rollback re-init failed")
		}
		return engine.NewStorageError(id, "put-metadata", err)
	}

	r.mu.Lock()
	r.live[id] = next
	r.mu.Unlock()

	if r.sched != nil {
		if spec := p.TrainingSchedule(); spec != "" {
			if err := r.sched.Add(id, spec); err != nil {
				r.logger.Warn().Str("engine_id", id).Err(err).Msg("training schedule rejected")
			}
		} else {
			r.sched.Remove(id)
		}
	}

	r.logger.Info().Str("engine_id", id).Msg("engine instance updated")
	return nil
}

// Destroy removes the instance from the live set first, so no new calls
// reach it, then waits for in-flight training to reach a terminal state,
// releases the engine's Dataset and Model, and deletes the metadata
// record. The mirror log is never touched.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	unlock := r.ids.Lock(id)
	defer unlock()

	r.mu.Lock()
	inst, ok := r.live[id]
	if ok {
		delete(r.live, id)
		metrics.SetEngineInstances(len(r.live))
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", engine.ErrNotFound, id)
	}

	if r.sched != nil {
		r.sched.Remove(id)
	}

	// Blocks until any in-flight mutation path has finished.
	r.orch.Deregister(id)

	if err := inst.Engine.Destroy(ctx); err != nil {
		return engine.NewAlgorithmError(id, "destroy", err)
	}

	if err := r.meta.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return engine.NewStorageError(id, "delete-metadata", err)
	}

	r.logger.Info().Str("engine_id", id).Msg("engine instance destroyed")
	return nil
}

// RestoreAll reconstructs every persisted instance on process start. It
// continues past individual failures and returns the ids that could not
// be restored; those are simply absent from the live set.
func (r *Registry) RestoreAll(ctx context.Context) []RestoreFailure {
	records, err := r.meta.List(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("metadata listing failed; no instances restored")
		return []RestoreFailure{{EngineID: "*", Err: err}}
	}

	var failures []RestoreFailure
	restored := 0
	for i := range records {
		if err := r.restoreOne(ctx, records[i]); err != nil {
			failures = append(failures, RestoreFailure{EngineID: records[i].EngineID, Err: err})
			r.logger.Error().
				Str("engine_id", records[i].EngineID).
				Err(err).
				Msg("instance restore failed")
			continue
		}
		restored++
	}

	r.logger.Info().
		Int("restored", restored).
		Int("failed", len(failures)).
		Msg("instance restore complete")
	return failures
}

// restoreOne re-runs create-equivalent reconstruction from a persisted
// record.
func (r *Registry) restoreOne(ctx context.Context, rec store.Record) error {
	p, err := params.Parse(rec.Params)
	if err != nil {
		return fmt.Errorf("persisted params invalid: %w", err)
	}

	unlock := r.ids.Lock(rec.EngineID)
	defer unlock()

	r.mu.RLock()
	_, exists := r.live[rec.EngineID]
	r.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %q", engine.ErrDuplicateID, rec.EngineID)
	}

	inst, err := r.construct(ctx, rec.EngineID, p)
	if err != nil {
		return err
	}
	inst.CreatedAt = rec.CreatedAt
	inst.UpdatedAt = rec.UpdatedAt

	r.register(inst)
	return nil
}

// Lookup returns the live instance record for id. The record is an
// immutable snapshot; a concurrent Update publishes a new one.
func (r *Registry) Lookup(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.live[id]
	return inst, ok
}

// List returns all live instances sorted by id.
func (r *Registry) List() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Instance, 0, len(r.live))
	for _, inst := range r.live {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// record builds the persisted metadata record for inst.
func (r *Registry) record(inst *Instance) store.Record {
	return store.Record{
		EngineID:  inst.ID,
		Factory:   inst.Factory,
		Params:    inst.Params,
		Mirrored:  inst.Mirrored,
		CreatedAt: inst.CreatedAt,
		UpdatedAt: inst.UpdatedAt,
	}
}

// schedule extracts the optional training.schedule parameter.
func schedule(raw json.RawMessage) string {
	p, err := params.Parse(raw)
	if err != nil {
		return ""
	}
	return p.TrainingSchedule()
}
