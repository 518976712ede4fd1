// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

// Package engine defines the contract every hosted Engine instance
// implements, the event data model, the factory registry that maps engine
// type identifiers to constructors, and the shared error taxonomy.
//
// The core never interprets event payload semantics or model internals;
// it sees an Engine only through this contract. Engines declare which
// training disciplines they support by implementing the optional
// capability interfaces:
//
//   - IncrementalLearner: continuous (online) discipline - every accepted
//     event may immediately update model state
//   - BatchTrainer: periodic (batch) discipline - events accumulate and an
//     explicit train call produces a new model
//
// An engine implementing both runs under the mixed discipline. The
// training orchestrator guarantees at most one mutation path is active
// per instance at a time; implementations must still be safe for queries
// running concurrently with mutations, since the core never serializes
// reads against writes.
package engine

import (
	"context"

	"github.com/goccy/go-json"
)

// Engine is the capability set every hosted instance implements.
type Engine interface {
	// ID returns the resource id this instance was created with.
	ID() string

	// Init configures the instance from the full raw parameter document.
	// Each engine extracts and validates only the sub-trees it declares;
	// unknown keys are not errors. Init is called once on create and again
	// on every update. An update that would structurally change an already
	// populated dataset's interpretation must return ErrUnsupportedUpdate
	// and leave the previous configuration fully in effect.
	Init(ctx context.Context, params json.RawMessage) error

	// Destroy releases all Dataset and Model state. After Destroy returns,
	// no recoverable state remains (mirrored history is outside the
	// engine's ownership and survives).
	Destroy(ctx context.Context) error

	// Input folds an accepted event into the instance's Dataset.
	Input(ctx context.Context, event Event) error

	// Query answers an algorithm-specific query. The payload and result
	// are opaque to the core. Query must not mutate state.
	Query(ctx context.Context, query json.RawMessage) (json.RawMessage, error)
}

// IncrementalLearner is implemented by engines supporting the continuous
// discipline. The orchestrator serializes events per instance in arrival
// order and calls Input immediately followed by UpdateIncremental for
// each, with no other event's calls in between.
type IncrementalLearner interface {
	UpdateIncremental(ctx context.Context, event Event) error
}

// BatchTrainer is implemented by engines supporting the periodic
// discipline. Train may run for a long time and must observe ctx
// cancellation cooperatively. A failed Train must leave the previously
// trained model serveable.
type BatchTrainer interface {
	Train(ctx context.Context) error
}

// PropertyMutator is an optional hook for the reserved $set/$delete event
// types that mutate entity properties directly rather than appending to
// the Dataset. Engines that do not implement it reject such events.
type PropertyMutator interface {
	MutateProperties(ctx context.Context, event Event) error
}

// Discipline identifies which training disciplines an instance supports.
type Discipline int

const (
	// DisciplineNone means the engine supports no training path at all.
	DisciplineNone Discipline = iota
	// DisciplineContinuous means online, per-event incremental updates.
	DisciplineContinuous
	// DisciplinePeriodic means batch training via explicit train calls.
	DisciplinePeriodic
	// DisciplineMixed means both continuous and periodic are supported.
	DisciplineMixed
)

// String returns a human-readable discipline name.
func (d Discipline) String() string {
	switch d {
	case DisciplineContinuous:
		return "continuous"
	case DisciplinePeriodic:
		return "periodic"
	case DisciplineMixed:
		return "mixed"
	default:
		return "none"
	}
}

// DisciplineOf derives the training discipline from the capability
// interfaces an engine implements.
func DisciplineOf(e Engine) Discipline {
	_, incremental := e.(IncrementalLearner)
	_, batch := e.(BatchTrainer)

	switch {
	case incremental && batch:
		return DisciplineMixed
	case incremental:
		return DisciplineContinuous
	case batch:
		return DisciplinePeriodic
	default:
		return DisciplineNone
	}
}

// SupportsBatchTrain reports whether d admits explicit train calls.
func (d Discipline) SupportsBatchTrain() bool {
	return d == DisciplinePeriodic || d == DisciplineMixed
}

// SupportsIncrementalUpdate reports whether d admits per-event updates.
func (d Discipline) SupportsIncrementalUpdate() bool {
	return d == DisciplineContinuous || d == DisciplineMixed
}
