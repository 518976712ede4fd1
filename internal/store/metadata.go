// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

// Package store persists one metadata record per engine instance so the
// registry can reconstruct all instances after a restart.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
)

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("metadata record not found")

// Record is the persisted descriptor of one engine instance.
type Record struct {
	// EngineID is the resource id.
	EngineID string `json:"engineId"`

	// Factory is the engine type identifier used to reconstruct the
	// instance.
	Factory string `json:"factory"`

	// Params is the full raw parameter document.
	Params json.RawMessage `json:"params"`

	// Mirrored is the event mirroring flag at last create/update.
	Mirrored bool `json:"mirrored"`

	// CreatedAt is when the instance was first created.
	CreatedAt time.Time `json:"createdAt"`

	// UpdatedAt is when the record was last written.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is the metadata persistence contract. The registry is its only
// consumer. Implementations must make Put durable before returning.
type Store interface {
	// Put writes or replaces the record for rec.EngineID.
	Put(ctx context.Context, rec Record) error

	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)

	// Delete removes the record for id. Deleting an absent id returns
	// ErrNotFound.
	Delete(ctx context.Context, id string) error

	// List returns all records in unspecified order.
	List(ctx context.Context) ([]Record, error)

	// Close releases the underlying storage.
	Close() error
}
