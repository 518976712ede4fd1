// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

// Package trainer orchestrates model training per engine instance.
//
// Each instance runs a state machine (Idle, Training, Failed) and is
// subject to one serialization rule: at most one mutation path (an
// incremental update or a batch run) is active at a time, across both
// disciplines. Continuous updates flow through a per-instance FIFO
// worker, preserving arrival order; events are never silently dropped.
// A batch run is dispatched as an independent task whose completion is
// observed via the instance's status, never via the caller's connection.
package trainer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aviary-ml/aviary/internal/engine"
	"github.com/aviary-ml/aviary/internal/metrics"
)

// State is the training state of one instance.
type State int

const (
	// StateIdle means no batch run is in flight.
	StateIdle State = iota
	// StateTraining means a batch run is in flight.
	StateTraining
	// StateFailed means the last batch run failed; the previous model
	// remains serveable. Recoverable by a subsequent successful run.
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateTraining:
		return "training"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Status is a point-in-time view of one instance's training state.
type Status struct {
	State         State     `json:"-"`
	StateName     string    `json:"state"`
	LastError     string    `json:"lastError,omitempty"`
	ModelVersion  int       `json:"modelVersion"`
	LastTrainedAt time.Time `json:"lastTrainedAt,omitempty"`
}

// updateJob carries one incremental update through the FIFO worker.
type updateJob struct {
	ctx    context.Context
	event  engine.Event
	result chan error
}

// instanceState is the orchestrator's per-instance bookkeeping.
type instanceState struct {
	id         string
	eng        engine.Engine
	discipline engine.Discipline

	// mutationMu is the single mutation path: incremental updates and
	// batch runs both hold it while touching model state.
	mutationMu sync.Mutex

	stateMu       sync.RWMutex
	state         State
	lastError     string
	modelVersion  int
	lastTrainedAt time.Time
	closing       bool
	batchCancel   context.CancelFunc

	// acceptWG tracks Accept calls in flight so Deregister can drain
	// them before closing the update channel.
	acceptWG sync.WaitGroup
	batchWG  sync.WaitGroup

	updates    chan updateJob
	workerDone chan struct{}
}

// Orchestrator tracks training state for all live instances.
type Orchestrator struct {
	mu        sync.RWMutex
	instances map[string]*instanceState
	logger    zerolog.Logger

	// UpdateQueueDepth bounds the per-instance FIFO. Accept blocks when
	// the queue is full; nothing is dropped.
	UpdateQueueDepth int
}

// New creates an orchestrator.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func New(logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		instances:        make(map[string]*instanceState),
		logger:           logger.With().Str("component", "trainer").Logger(),
		UpdateQueueDepth: 256,
	}
}

// Register starts tracking an instance. For engines supporting the
// continuous discipline it also starts the FIFO update worker.
func (o *Orchestrator) Register(id string, eng engine.Engine) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.instances[id]; exists {
		return fmt.Errorf("trainer: instance %q already registered", id)
	}

	inst := &instanceState{
		id:         id,
		eng:        eng,
		discipline: engine.DisciplineOf(eng),
		workerDone: make(chan struct{}),
	}

	if inst.discipline.SupportsIncrementalUpdate() {
		inst.updates = make(chan updateJob, o.UpdateQueueDepth)
		go o.runWorker(inst)
	} else {
		close(inst.workerDone)
	}

	o.instances[id] = inst
	return nil
}

// Deregister stops tracking an instance. It rejects new work, drains the
// update queue, requests cooperative cancellation of an in-flight batch
// run, and blocks until every mutation path has reached a terminal
// state. Only then may the caller release Dataset and Model resources.
func (o *Orchestrator) Deregister(id string) {
	o.mu.Lock()
	inst, ok := o.instances[id]
	if ok {
		delete(o.instances, id)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	inst.stateMu.Lock()
	inst.closing = true
	cancel := inst.batchCancel
	inst.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}

	// Accepts in flight finish, then the queue drains.
	inst.acceptWG.Wait()
	if inst.updates != nil {
		close(inst.updates)
	}
	<-inst.workerDone
	inst.batchWG.Wait()
}

// lookup returns the instance state for id.
func (o *Orchestrator) lookup(id string) (*instanceState, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	inst, ok := o.instances[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return inst, nil
}

// Accept folds one accepted event into the instance's Dataset and, for
// continuous-discipline engines, applies the incremental update. Both
// steps run inside the FIFO worker as one unit, so no second event's
// fold can land between an event's fold and its update. The call returns
// once the update triggered by this event has finished, so its failure
// is reported to this caller.
func (o *Orchestrator) Accept(ctx context.Context, id string, event engine.Event) error {
	inst, err := o.lookup(id)
	if err != nil {
		return err
	}

	inst.stateMu.RLock()
	closing := inst.closing
	if !closing {
		inst.acceptWG.Add(1)
	}
	inst.stateMu.RUnlock()
	if closing {
		return engine.ErrNotFound
	}
	defer inst.acceptWG.Done()

	if !inst.discipline.SupportsIncrementalUpdate() {
		if err := inst.eng.Input(ctx, event); err != nil {
			return engine.NewAlgorithmError(id, "input", err)
		}
		return nil
	}

	job := updateJob{ctx: ctx, event: event, result: make(chan error, 1)}
	select {
	case inst.updates <- job:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-job.result:
		return err
	case <-ctx.Done():
		// The fold and update still run to completion; the caller
		// stopped waiting for the result.
		return ctx.Err()
	}
}

// runWorker applies queued events one at a time in arrival order. Each
// event's Dataset fold and incremental update execute back to back under
// the mutation mutex.
func (o *Orchestrator) runWorker(inst *instanceState) {
	defer close(inst.workerDone)

	learner := inst.eng.(engine.IncrementalLearner)
	for job := range inst.updates {
		inst.mutationMu.Lock()
		err := inst.eng.Input(job.ctx, job.event)
		if err != nil {
			err = engine.NewAlgorithmError(inst.id, "input", err)
		} else if uerr := learner.UpdateIncremental(job.ctx, job.event); uerr != nil {
			err = engine.NewAlgorithmError(inst.id, "update", uerr)
			metrics.RecordIncrementalUpdate(inst.id, "failure")
			o.logger.Warn().
				Str("engine_id", inst.id).
				Err(uerr).
				Msg("incremental update failed")
		} else {
			metrics.RecordIncrementalUpdate(inst.id, "success")
		}
		inst.mutationMu.Unlock()
		job.result <- err
	}
}

// Train starts a batch run for id. It returns immediately: nil when the
// run was accepted, ErrAlreadyTraining when one is in flight, and
// ErrTrainingUnsupported when the engine declares no batch capability.
// Completion is observed via Status.
func (o *Orchestrator) Train(ctx context.Context, id string) error {
	inst, err := o.lookup(id)
	if err != nil {
		return err
	}

	trainer, ok := inst.eng.(engine.BatchTrainer)
	if !ok {
		return engine.ErrTrainingUnsupported
	}

	inst.stateMu.Lock()
	if inst.closing {
		inst.stateMu.Unlock()
		return engine.ErrNotFound
	}
	if inst.state == StateTraining {
		inst.stateMu.Unlock()
		return engine.ErrAlreadyTraining
	}
	inst.state = StateTraining

	// Detach from the request: the run outlives the caller's connection
	// but stays cancellable for teardown.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	inst.batchCancel = cancel
	inst.batchWG.Add(1)
	inst.stateMu.Unlock()

	go o.runBatch(runCtx, cancel, inst, trainer)
	return nil
}

// runBatch executes one batch run under the mutation mutex and records
// the outcome.
func (o *Orchestrator) runBatch(ctx context.Context, cancel context.CancelFunc, inst *instanceState, trainer engine.BatchTrainer) {
	defer inst.batchWG.Done()
	defer cancel()

	start := time.Now()
	o.logger.Info().Str("engine_id", inst.id).Msg("batch training started")

	inst.mutationMu.Lock()
	err := trainer.Train(ctx)
	inst.mutationMu.Unlock()

	inst.stateMu.Lock()
	inst.batchCancel = nil
	if err != nil {
		inst.state = StateFailed
		inst.lastError = err.Error()
	} else {
		inst.state = StateIdle
		inst.lastError = ""
		inst.modelVersion++
		inst.lastTrainedAt = time.Now().UTC()
	}
	inst.stateMu.Unlock()

	if err != nil {
		metrics.RecordTrainingRun(inst.id, "failure")
		o.logger.Error().
			Str("engine_id", inst.id).
			Dur("duration", time.Since(start)).
			Err(err).
			Msg("batch training failed")
		return
	}

	metrics.RecordTrainingRun(inst.id, "success")
	o.logger.Info().
		Str("engine_id", inst.id).
		Dur("duration", time.Since(start)).
		Msg("batch training complete")
}

// Status returns the instance's current training status.
func (o *Orchestrator) Status(id string) (Status, error) {
	inst, err := o.lookup(id)
	if err != nil {
		return Status{}, err
	}

	inst.stateMu.RLock()
	defer inst.stateMu.RUnlock()
	return Status{
		State:         inst.state,
		StateName:     inst.state.String(),
		LastError:     inst.lastError,
		ModelVersion:  inst.modelVersion,
		LastTrainedAt: inst.lastTrainedAt,
	}, nil
}
