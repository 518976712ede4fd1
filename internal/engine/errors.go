// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the host-wide taxonomy. Boundary layers map
// these onto protocol responses; everything else is wrapped as a storage
// or algorithm failure.
var (
	// ErrNotFound indicates an unknown resource id.
	ErrNotFound = errors.New("engine instance not found")

	// ErrDuplicateID indicates a create collision on an active id.
	ErrDuplicateID = errors.New("engine id already in use")

	// ErrUnknownFactory indicates an unregistered engine type identifier.
	ErrUnknownFactory = errors.New("unknown engine factory")

	// ErrUnsupportedUpdate indicates a structural parameter change the
	// engine cannot apply to a populated dataset. The previous
	// configuration remains active.
	ErrUnsupportedUpdate = errors.New("unsupported structural update")

	// ErrAlreadyTraining indicates a batch run is already in flight for
	// the instance. The caller may retry later.
	ErrAlreadyTraining = errors.New("training already in progress")

	// ErrTrainingUnsupported indicates a train call on an instance whose
	// engine declares no batch training capability.
	ErrTrainingUnsupported = errors.New("engine does not support batch training")

	// ErrEventUnsupported indicates a reserved property-mutation event on
	// an engine without the PropertyMutator hook.
	ErrEventUnsupported = errors.New("engine does not support property mutation events")
)

// StorageError wraps persistence failures (mirror log or metadata store)
// with the affected instance and operation.
type StorageError struct {
	EngineID string
	Op       string
	Err      error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure [engine=%s op=%s]: %v", e.EngineID, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err as a storage failure.
func NewStorageError(engineID, op string, err error) error {
	return &StorageError{EngineID: engineID, Op: op, Err: err}
}

// AlgorithmError wraps an error raised inside a pluggable engine's own
// logic with the instance id and the operation that triggered it.
type AlgorithmError struct {
	EngineID string
	Op       string
	Err      error
}

// Error implements the error interface.
func (e *AlgorithmError) Error() string {
	return fmt.Sprintf("algorithm failure [engine=%s op=%s]: %v", e.EngineID, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *AlgorithmError) Unwrap() error { return e.Err }

// NewAlgorithmError wraps err as an algorithm failure. Sentinels from the
// taxonomy pass through unwrapped so callers can match them directly.
func NewAlgorithmError(engineID, op string, err error) error {
	if errors.Is(err, ErrUnsupportedUpdate) || errors.Is(err, ErrEventUnsupported) {
		return err
	}
	return &AlgorithmError{EngineID: engineID, Op: op, Err: err}
}
