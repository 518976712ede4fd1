// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Factory constructs an unconfigured engine bound to a resource id.
// Init is invoked by the registry after construction.
type Factory func(id string) Engine

// FactoryRegistry maps engine type identifiers to constructors. It is
// populated explicitly at process start; the host never loads code at
// runtime. New engine types are compiled in and registered here.
type FactoryRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewFactoryRegistry creates an empty factory registry.
func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{factories: make(map[string]Factory)}
}

// Register adds a factory under the given type identifier. Registering
// the same identifier twice is a programming error and panics.
func (r *FactoryRegistry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("engine factory %q registered twice", name))
	}
	r.factories[name] = f
}

// Resolve returns the factory for the given type identifier.
func (r *FactoryRegistry) Resolve(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFactory, name)
	}
	return f, nil
}

// Names returns the registered type identifiers, sorted.
func (r *FactoryRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
