// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

package api

import (
	"errors"
	"net/http"

	"github.com/aviary-ml/aviary/internal/engine"
	"github.com/aviary-ml/aviary/internal/logging"
	"github.com/aviary-ml/aviary/internal/validation"
)

// WriteDomainError maps the engine error taxonomy onto HTTP responses.
// Validation failures carry field-level details; storage and algorithm
// failures are logged server-side and surfaced without internals.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	rw := NewResponseWriter(w, r)

	var verrs *validation.Errors
	if errors.As(err, &verrs) {
		rw.ValidationError("request validation failed", verrs.Fields())
		return
	}

	switch {
	case errors.Is(err, engine.ErrNotFound):
		rw.NotFound(err.Error())
	case errors.Is(err, engine.ErrDuplicateID):
		rw.Error(http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, engine.ErrUnknownFactory):
		rw.Error(http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, engine.ErrUnsupportedUpdate):
		rw.Error(http.StatusConflict, ErrCodeUnsupportedUpdate, err.Error())
	case errors.Is(err, engine.ErrAlreadyTraining):
		rw.Error(http.StatusConflict, ErrCodeAlreadyTraining, err.Error())
	case errors.Is(err, engine.ErrTrainingUnsupported):
		rw.Error(http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, engine.ErrEventUnsupported):
		rw.Error(http.StatusBadRequest, ErrCodeEventUnsupported, err.Error())
	default:
		writeOpaqueError(rw, r, err)
	}
}

// writeOpaqueError handles wrapped storage and algorithm failures whose
// internals must not leak to clients.
func writeOpaqueError(rw *ResponseWriter, r *http.Request, err error) {
	logger := logging.Ctx(r.Context())

	var serr *engine.StorageError
	if errors.As(err, &serr) {
		logger.Error().
			Str("engine_id", serr.EngineID).
			Str("op", serr.Op).
			Err(err).
			Msg("storage failure")
		rw.Error(http.StatusInternalServerError, ErrCodeStorageError, "a storage error occurred")
		return
	}

	var aerr *engine.AlgorithmError
	if errors.As(err, &aerr) {
		logger.Error().
			Str("engine_id", aerr.EngineID).
			Str("op", aerr.Op).
			Err(err).
			Msg("algorithm failure")
		rw.Error(http.StatusInternalServerError, ErrCodeAlgorithmError, "an algorithm error occurred")
		return
	}

	logger.Error().Err(err).Msg("unhandled request failure")
	rw.InternalError("an internal error occurred")
}
