// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/aviary-ml/aviary/internal/engine"
	"github.com/aviary-ml/aviary/internal/registry"
	"github.com/aviary-ml/aviary/internal/router"
)

// maxBodyBytes bounds request documents. Parameter documents, events,
// and queries are all small JSON objects.
const maxBodyBytes = 1 << 20

// Handler serves the administrative and per-instance routes.
type Handler struct {
	reg *registry.Registry
	rt  *router.Router

	// ready reports whether the host finished restoring instances.
	ready func() bool
}

// NewHandler creates the HTTP handler set.
func NewHandler(reg *registry.Registry, rt *router.Router, ready func() bool) *Handler {
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Handler{reg: reg, rt: rt, ready: ready}
}

// engineSummary is the wire representation of one live instance.
type engineSummary struct {
	EngineID   string    `json:"engineId"`
	Factory    string    `json:"engineFactory"`
	Discipline string    `json:"discipline"`
	Mirrored   bool      `json:"mirrored"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func summarize(inst *registry.Instance) engineSummary {
	return engineSummary{
		EngineID:   inst.ID,
		Factory:    inst.Factory,
		Discipline: inst.Discipline.String(),
		Mirrored:   inst.Mirrored,
		CreatedAt:  inst.CreatedAt,
		UpdatedAt:  inst.UpdatedAt,
	}
}

// CreateEngine handles POST /engines. The body is the full parameter
// document; the engine id comes from its engineId field.
func (h *Handler) CreateEngine(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	body, err := readBody(w, r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}

	id, err := h.reg.Create(r.Context(), body)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	rw.Created(map[string]string{"engineId": id})
}

// UpdateEngine handles POST /engines/{engineId}: re-initialize with new
// parameters, preserving the dataset.
func (h *Handler) UpdateEngine(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "engineId")

	body, err := readBody(w, r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}

	if err := h.reg.Update(r.Context(), id, body); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	rw.Success(map[string]string{"engineId": id})
}

// DestroyEngine handles DELETE /engines/{engineId}. Mirrored history
// survives destruction.
func (h *Handler) DestroyEngine(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "engineId")

	if err := h.reg.Destroy(r.Context(), id); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	rw.Success(map[string]string{"engineId": id})
}

// ListEngines handles GET /engines.
func (h *Handler) ListEngines(w http.ResponseWriter, r *http.Request) {
	instances := h.reg.List()
	out := make([]engineSummary, 0, len(instances))
	for _, inst := range instances {
		out = append(out, summarize(inst))
	}
	NewResponseWriter(w, r).Success(out)
}

// GetEngine handles GET /engines/{engineId}.
func (h *Handler) GetEngine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "engineId")

	inst, ok := h.reg.Lookup(id)
	if !ok {
		NewResponseWriter(w, r).NotFound("engine instance not found: " + id)
		return
	}
	NewResponseWriter(w, r).Success(summarize(inst))
}

// PostEvent handles POST /engines/{engineId}/events. The event is not
// acknowledged until it is durable in the mirror log (for mirrored
// instances) and accepted by the engine.
func (h *Handler) PostEvent(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "engineId")

	body, err := readBody(w, r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}

	var event engine.Event
	if err := json.Unmarshal(body, &event); err != nil {
		rw.BadRequest("event document is not valid JSON: " + err.Error())
		return
	}

	if err := h.rt.Input(r.Context(), id, event); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	rw.Created(map[string]string{"engineId": id, "status": "accepted"})
}

// PostQuery handles POST /engines/{engineId}/queries. The query and
// result documents are opaque to the host.
func (h *Handler) PostQuery(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "engineId")

	body, err := readBody(w, r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}

	result, err := h.rt.Query(r.Context(), id, body)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	rw.Success(json.RawMessage(result))
}

// Train handles POST /engines/{engineId}/train. The run proceeds in the
// background; 202 only acknowledges the start.
func (h *Handler) Train(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "engineId")

	if err := h.rt.Train(r.Context(), id); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	rw.Accepted(map[string]string{"engineId": id, "status": "training"})
}

// TrainStatus handles GET /engines/{engineId}/train.
func (h *Handler) TrainStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "engineId")

	status, err := h.rt.TrainStatus(id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	NewResponseWriter(w, r).Success(status)
}

// Replay handles POST /engines/{engineId}/replay: feed the instance's
// mirrored history back through its input path.
func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "engineId")

	n, err := h.rt.Replay(r.Context(), id)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	NewResponseWriter(w, r).Success(map[string]int{"replayed": n})
}

// HealthLive handles GET /healthz/live.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]string{"status": "ok"})
}

// HealthReady handles GET /healthz/ready. Not ready until instance
// restore has completed.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if !h.ready() {
		rw.ServiceUnavailable("instance restore in progress")
		return
	}
	rw.Success(map[string]string{"status": "ready"})
}

// readBody reads a bounded request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errors.New("request body exceeds limit")
		}
		return nil, errors.New("failed to read request body")
	}
	return body, nil
}
