// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

package engine

import (
	"time"

	"github.com/goccy/go-json"
)

// Reserved event names carrying property-mutation semantics. They are
// dispatched through the PropertyMutator hook instead of Input.
const (
	EventSetProperties    = "$set"
	EventDeleteProperties = "$delete"
)

// Event is one immutable input record. Once accepted it is never
// modified; if mirroring is enabled it is archived verbatim.
type Event struct {
	// EntityType and EntityID identify the primary entity, e.g. ("user", "u1").
	EntityType string `json:"entityType" validate:"required,max=128"`
	EntityID   string `json:"entityId" validate:"required,max=256"`

	// Name is the event verb, e.g. "view", "buy", or a reserved $-name.
	Name string `json:"event" validate:"required,max=128"`

	// TargetEntityType and TargetEntityID identify the optional secondary
	// entity, e.g. ("item", "i42").
	TargetEntityType string `json:"targetEntityType,omitempty" validate:"max=128"`
	TargetEntityID   string `json:"targetEntityId,omitempty" validate:"max=256"`

	// Properties carries arbitrary event payload, uninterpreted by the core.
	Properties map[string]json.RawMessage `json:"properties,omitempty"`

	// EventTime is when the event happened in the source domain.
	// Defaults to CreationTime when absent.
	EventTime time.Time `json:"eventTime,omitempty"`

	// CreationTime is when the event was accepted by the host.
	CreationTime time.Time `json:"creationTime,omitempty"`
}

// IsReserved reports whether the event carries reserved property-mutation
// semantics.
func (e *Event) IsReserved() bool {
	return e.Name == EventSetProperties || e.Name == EventDeleteProperties
}

// Normalize stamps CreationTime and defaults EventTime. Called exactly
// once, at acceptance.
func (e *Event) Normalize(now time.Time) {
	if e.CreationTime.IsZero() {
		e.CreationTime = now.UTC()
	}
	if e.EventTime.IsZero() {
		e.EventTime = e.CreationTime
	}
}
