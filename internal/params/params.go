// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

// Package params is the parameter store: it parses and validates the
// opaque JSON configuration blob an instance is created with.
//
// Only the top level is typed here (engine id, engine type, mirroring).
// Every downstream component extracts its own sub-tree from the same raw
// document with Subtree and validates it independently, so unknown keys
// never fail validation and no component sees another component's keys.
package params

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/aviary-ml/aviary/internal/validation"
)

// Mirror types understood by the host.
const (
	// MirrorNone disables event mirroring.
	MirrorNone = "none"
	// MirrorFile archives events to the local durable mirror log.
	MirrorFile = "file"
)

// EngineParams is the typed top level of the parameter document.
type EngineParams struct {
	// EngineID is the globally unique resource id.
	EngineID string `json:"engineId" validate:"required,resourceid"`

	// EngineFactory selects the compiled-in engine type.
	EngineFactory string `json:"engineFactory" validate:"required,min=1,max=128"`

	// MirrorType enables event mirroring when set to "file".
	MirrorType string `json:"mirrorType,omitempty" validate:"omitempty,oneof=none file"`

	// MirrorLocation optionally overrides where mirrored events live.
	// Informational for deployments sharing one mirror store.
	MirrorLocation string `json:"mirrorLocation,omitempty" validate:"max=512"`

	// Comment is a free-form operator note.
	Comment string `json:"comment,omitempty"`

	// Training holds the host-level training options. The schedule is
	// validated here so a malformed cron expression fails the create or
	// update instead of being dropped at registration time.
	Training TrainingParams `json:"training,omitempty"`

	raw json.RawMessage
}

// TrainingParams is the typed "training" sub-tree.
type TrainingParams struct {
	// Schedule is an optional cron expression firing periodic training.
	Schedule string `json:"schedule,omitempty" validate:"omitempty,cronexpr"`
}

// Parse validates the raw parameter document and extracts the typed top
// level. Malformed JSON and missing or malformed required fields surface
// as validation errors naming the offending key; unknown keys are kept
// untouched in the raw document for downstream components.
func Parse(raw []byte) (*EngineParams, error) {
	if len(raw) == 0 {
		return nil, validation.NewError("", "required", "parameter document is empty")
	}
	if !gjson.ValidBytes(raw) {
		return nil, validation.NewError("", "json", "parameter document is not valid JSON")
	}

	p := &EngineParams{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, validation.NewError("", "json", fmt.Sprintf("parameter document does not match schema: %v", err))
	}
	if err := validation.ValidateStruct(p); err != nil {
		return nil, err
	}

	p.raw = append(json.RawMessage(nil), raw...)
	return p, nil
}

// Raw returns the untouched parameter document.
func (p *EngineParams) Raw() json.RawMessage {
	return p.raw
}

// MirrorEnabled reports whether events for this instance are mirrored.
func (p *EngineParams) MirrorEnabled() bool {
	return p.MirrorType == MirrorFile
}

// TrainingSchedule returns the optional cron expression at
// training.schedule, or "" when absent.
func (p *EngineParams) TrainingSchedule() string {
	return p.Training.Schedule
}

// Subtree extracts the raw JSON sub-tree at the given dotted path from a
// parameter document. Returns nil when the path is absent. Components use
// this to read only the configuration they declare.
func Subtree(raw json.RawMessage, path string) json.RawMessage {
	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return nil
	}
	return json.RawMessage(res.Raw)
}
