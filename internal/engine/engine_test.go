// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

type baseEngine struct{ id string }

func (b *baseEngine) ID() string                                  { return b.id }
func (b *baseEngine) Init(context.Context, json.RawMessage) error { return nil }
func (b *baseEngine) Destroy(context.Context) error               { return nil }
func (b *baseEngine) Input(context.Context, Event) error          { return nil }
func (b *baseEngine) Query(context.Context, json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

type continuousEngine struct{ baseEngine }

func (c *continuousEngine) UpdateIncremental(context.Context, Event) error { return nil }

type periodicEngine struct{ baseEngine }

func (p *periodicEngine) Train(context.Context) error { return nil }

type mixedEngine struct{ baseEngine }

func (m *mixedEngine) UpdateIncremental(context.Context, Event) error { return nil }
func (m *mixedEngine) Train(context.Context) error                    { return nil }

func TestDisciplineOf(t *testing.T) {
	tests := []struct {
		name string
		eng  Engine
		want Discipline
	}{
		{"none", &baseEngine{}, DisciplineNone},
		{"continuous", &continuousEngine{}, DisciplineContinuous},
		{"periodic", &periodicEngine{}, DisciplinePeriodic},
		{"mixed", &mixedEngine{}, DisciplineMixed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DisciplineOf(tt.eng); got != tt.want {
				t.Errorf("DisciplineOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDisciplineCapabilities(t *testing.T) {
	if !DisciplineMixed.SupportsBatchTrain() || !DisciplineMixed.SupportsIncrementalUpdate() {
		t.Error("mixed must support both paths")
	}
	if DisciplineContinuous.SupportsBatchTrain() {
		t.Error("continuous must not support batch training")
	}
	if DisciplinePeriodic.SupportsIncrementalUpdate() {
		t.Error("periodic must not support incremental updates")
	}
	if DisciplineNone.SupportsBatchTrain() || DisciplineNone.SupportsIncrementalUpdate() {
		t.Error("none must support neither path")
	}
}

func TestFactoryRegistry(t *testing.T) {
	reg := NewFactoryRegistry()
	reg.Register("covisit", func(id string) Engine { return &mixedEngine{baseEngine{id: id}} })
	reg.Register("popularity", func(id string) Engine { return &periodicEngine{baseEngine{id: id}} })

	f, err := reg.Resolve("covisit")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if eng := f("e1"); eng.ID() != "e1" {
		t.Errorf("factory bound id = %q, want e1", eng.ID())
	}

	if _, err := reg.Resolve("missing"); !errors.Is(err, ErrUnknownFactory) {
		t.Errorf("Resolve(missing) error = %v, want ErrUnknownFactory", err)
	}

	names := reg.Names()
	if len(names) != 2 || names[0] != "covisit" || names[1] != "popularity" {
		t.Errorf("Names() = %v", names)
	}
}

func TestFactoryRegistryDoubleRegisterPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("double registration must panic")
		}
	}()
	reg := NewFactoryRegistry()
	f := func(id string) Engine { return &baseEngine{id: id} }
	reg.Register("dup", f)
	reg.Register("dup", f)
}

func TestEventIsReserved(t *testing.T) {
	for _, name := range []string{EventSetProperties, EventDeleteProperties} {
		ev := Event{Name: name}
		if !ev.IsReserved() {
			t.Errorf("IsReserved(%q) = false", name)
		}
	}
	ev := Event{Name: "view"}
	if ev.IsReserved() {
		t.Error("IsReserved(view) = true")
	}
}

func TestEventNormalize(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	ev := Event{Name: "view"}
	ev.Normalize(now)
	if !ev.CreationTime.Equal(now) {
		t.Errorf("CreationTime = %v, want %v", ev.CreationTime, now)
	}
	if !ev.EventTime.Equal(now) {
		t.Errorf("EventTime defaulted to %v, want %v", ev.EventTime, now)
	}

	// A caller-supplied event time is preserved.
	supplied := now.Add(-time.Hour)
	ev = Event{Name: "view", EventTime: supplied}
	ev.Normalize(now)
	if !ev.EventTime.Equal(supplied) {
		t.Errorf("EventTime = %v, want caller-supplied %v", ev.EventTime, supplied)
	}
}

func TestAlgorithmErrorPassesSentinelsThrough(t *testing.T) {
	if err := NewAlgorithmError("e1", "update", ErrUnsupportedUpdate); !errors.Is(err, ErrUnsupportedUpdate) {
		t.Error("ErrUnsupportedUpdate must pass through unwrapped")
	}

	wrapped := NewAlgorithmError("e1", "query", errors.New("boom"))
	var aerr *AlgorithmError
	if !errors.As(wrapped, &aerr) {
		t.Fatal("expected *AlgorithmError")
	}
	if aerr.EngineID != "e1" || aerr.Op != "query" {
		t.Errorf("AlgorithmError context = %s/%s", aerr.EngineID, aerr.Op)
	}
}
