// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

package trainer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/aviary-ml/aviary/internal/engine"
)

// fakeEngine is a configurable test double covering all disciplines.
type fakeEngine struct {
	id string

	mu        sync.Mutex
	inputs    []engine.Event
	updates   []engine.Event
	trainRuns int

	updateErr error
	trainErr  error

	// trainStarted/trainRelease let tests hold a batch run open.
	trainStarted     chan struct{}
	trainStartedOnce sync.Once
	trainRelease     chan struct{}
}

func (f *fakeEngine) ID() string                                   { return f.id }
func (f *fakeEngine) Init(context.Context, json.RawMessage) error  { return nil }
func (f *fakeEngine) Destroy(context.Context) error                { return nil }
func (f *fakeEngine) Query(context.Context, json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (f *fakeEngine) Input(_ context.Context, event engine.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, event)
	return nil
}

type fakeMixed struct{ fakeEngine }

func (f *fakeMixed) UpdateIncremental(_ context.Context, event engine.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, event)
	return nil
}

func (f *fakeMixed) Train(ctx context.Context) error {
	if f.trainStarted != nil {
		f.trainStartedOnce.Do(func() { close(f.trainStarted) })
	}
	if f.trainRelease != nil {
		select {
		case <-f.trainRelease:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trainErr != nil {
		return f.trainErr
	}
	f.trainRuns++
	return nil
}

type fakeContinuousOnly struct{ fakeEngine }

func (f *fakeContinuousOnly) UpdateIncremental(_ context.Context, event engine.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, event)
	return nil
}

func newOrchestrator() *Orchestrator {
	return New(zerolog.Nop())
}

func event(name, entity, target string) engine.Event {
	return engine.Event{
		EntityType:       "user",
		EntityID:         entity,
		Name:             name,
		TargetEntityType: "item",
		TargetEntityID:   target,
	}
}

func waitForState(t *testing.T, o *Orchestrator, id string, want State) Status {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		status, err := o.Status(id)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if status.State == want {
			return status
		}
		select {
		case <-deadline:
			t.Fatalf("instance never reached state %v, last = %v", want, status.State)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	o := newOrchestrator()
	if err := o.Register("e1", &fakeMixed{fakeEngine{id: "e1"}}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := o.Register("e1", &fakeMixed{fakeEngine{id: "e1"}}); err == nil {
		t.Error("Register() duplicate must fail")
	}
	o.Deregister("e1")
}

func TestAcceptUnknownInstance(t *testing.T) {
	o := newOrchestrator()
	err := o.Accept(context.Background(), "ghost", event("view", "u1", "i1"))
	if !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("Accept() error = %v, want ErrNotFound", err)
	}
}

func TestAcceptAppliesInputAndIncrementalUpdate(t *testing.T) {
	o := newOrchestrator()
	eng := &fakeMixed{fakeEngine{id: "e1"}}
	if err := o.Register("e1", eng); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	defer o.Deregister("e1")

	if err := o.Accept(context.Background(), "e1", event("view", "u1", "i1")); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.inputs) != 1 || len(eng.updates) != 1 {
		t.Errorf("inputs = %d, updates = %d, want 1 and 1", len(eng.inputs), len(eng.updates))
	}
}

func TestAcceptReportsUpdateFailureToCaller(t *testing.T) {
	o := newOrchestrator()
	eng := &fakeMixed{fakeEngine{id: "e1", updateErr: errors.New("model exploded")}}
	if err := o.Register("e1", eng); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	defer o.Deregister("e1")

	err := o.Accept(context.Background(), "e1", event("view", "u1", "i1"))
	var aerr *engine.AlgorithmError
	if !errors.As(err, &aerr) {
		t.Fatalf("Accept() error = %v, want *AlgorithmError", err)
	}
	if aerr.Op != "update" {
		t.Errorf("AlgorithmError.Op = %q, want %q", aerr.Op, "update")
	}
}

func TestAcceptPreservesArrivalOrder(t *testing.T) {
	o := newOrchestrator()
	eng := &fakeContinuousOnly{fakeEngine{id: "e1"}}
	if err := o.Register("e1", eng); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	defer o.Deregister("e1")

	const total = 50
	for i := 0; i < total; i++ {
		target := string(rune('a' + i%26))
		if err := o.Accept(context.Background(), "e1", event("view", "u1", target)); err != nil {
			t.Fatalf("Accept(%d) error = %v", i, err)
		}
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.updates) != total {
		t.Fatalf("updates = %d, want %d", len(eng.updates), total)
	}
	for i, ev := range eng.updates {
		want := string(rune('a' + i%26))
		if ev.TargetEntityID != want {
			t.Errorf("update %d target = %q, want %q", i, ev.TargetEntityID, want)
		}
	}
}

// foldPairEngine records the exact interleaving of Input and
// UpdateIncremental calls and can hold one update open.
type foldPairEngine struct {
	id string

	mu  sync.Mutex
	ops []string

	updateStarted chan struct{}
	updateRelease chan struct{}
}

func (f *foldPairEngine) ID() string                                  { return f.id }
func (f *foldPairEngine) Init(context.Context, json.RawMessage) error { return nil }
func (f *foldPairEngine) Destroy(context.Context) error               { return nil }
func (f *foldPairEngine) Query(context.Context, json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (f *foldPairEngine) Input(_ context.Context, event engine.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "input:"+event.TargetEntityID)
	return nil
}

func (f *foldPairEngine) UpdateIncremental(_ context.Context, event engine.Event) error {
	f.mu.Lock()
	f.ops = append(f.ops, "update:"+event.TargetEntityID)
	f.mu.Unlock()
	if event.TargetEntityID == "i1" {
		close(f.updateStarted)
		<-f.updateRelease
	}
	return nil
}

func (f *foldPairEngine) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func TestAcceptFoldAndUpdateAreAtomicPerEvent(t *testing.T) {
	o := newOrchestrator()
	eng := &foldPairEngine{
		id:            "e1",
		updateStarted: make(chan struct{}),
		updateRelease: make(chan struct{}),
	}
	if err := o.Register("e1", eng); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	defer o.Deregister("e1")

	errs := make(chan error, 2)
	go func() { errs <- o.Accept(context.Background(), "e1", event("view", "u1", "i1")) }()
	<-eng.updateStarted

	// A second event arrives while the first update is still applying.
	// Its Dataset fold must not land until the first pair completes.
	go func() { errs <- o.Accept(context.Background(), "e1", event("view", "u1", "i2")) }()
	time.Sleep(20 * time.Millisecond)

	if got := eng.snapshot(); len(got) != 2 || got[0] != "input:i1" || got[1] != "update:i1" {
		t.Fatalf("ops while first update in flight = %v, want [input:i1 update:i1]", got)
	}

	close(eng.updateRelease)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Accept() error = %v", err)
		}
	}

	want := []string{"input:i1", "update:i1", "input:i2", "update:i2"}
	got := eng.snapshot()
	if len(got) != len(want) {
		t.Fatalf("ops = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ops = %v, want %v", got, want)
		}
	}
}

func TestTrainLifecycle(t *testing.T) {
	o := newOrchestrator()
	eng := &fakeMixed{fakeEngine{id: "e1"}}
	if err := o.Register("e1", eng); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	defer o.Deregister("e1")

	if err := o.Train(context.Background(), "e1"); err != nil {
		t.Fatalf("Train() error = %v", err)
	}

	status := waitForState(t, o, "e1", StateIdle)
	if status.ModelVersion != 1 {
		t.Errorf("ModelVersion = %d, want 1", status.ModelVersion)
	}
	if status.LastTrainedAt.IsZero() {
		t.Error("LastTrainedAt not set after successful run")
	}
}

func TestTrainRejectsConcurrentRun(t *testing.T) {
	o := newOrchestrator()
	eng := &fakeMixed{fakeEngine{
		id:           "e1",
		trainStarted: make(chan struct{}),
		trainRelease: make(chan struct{}),
	}}
	if err := o.Register("e1", eng); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := o.Train(context.Background(), "e1"); err != nil {
		t.Fatalf("first Train() error = %v", err)
	}
	<-eng.trainStarted

	if err := o.Train(context.Background(), "e1"); !errors.Is(err, engine.ErrAlreadyTraining) {
		t.Errorf("second Train() error = %v, want ErrAlreadyTraining", err)
	}

	close(eng.trainRelease)
	waitForState(t, o, "e1", StateIdle)

	// After completion a new run is accepted again.
	if err := o.Train(context.Background(), "e1"); err != nil {
		t.Errorf("Train() after completion error = %v", err)
	}
	waitForState(t, o, "e1", StateIdle)
	o.Deregister("e1")
}

func TestTrainFailureKeepsPreviousModel(t *testing.T) {
	o := newOrchestrator()
	eng := &fakeMixed{fakeEngine{id: "e1"}}
	if err := o.Register("e1", eng); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	defer o.Deregister("e1")

	// First run succeeds, bumping the model version.
	if err := o.Train(context.Background(), "e1"); err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	waitForState(t, o, "e1", StateIdle)

	eng.mu.Lock()
	eng.trainErr = errors.New("out of memory")
	eng.mu.Unlock()

	if err := o.Train(context.Background(), "e1"); err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	status := waitForState(t, o, "e1", StateFailed)

	if status.ModelVersion != 1 {
		t.Errorf("ModelVersion after failed run = %d, want 1", status.ModelVersion)
	}
	if status.LastError == "" {
		t.Error("LastError empty after failed run")
	}

	// A later successful run recovers the instance.
	eng.mu.Lock()
	eng.trainErr = nil
	eng.mu.Unlock()

	if err := o.Train(context.Background(), "e1"); err != nil {
		t.Fatalf("Train() after failure error = %v", err)
	}
	status = waitForState(t, o, "e1", StateIdle)
	if status.ModelVersion != 2 {
		t.Errorf("ModelVersion after recovery = %d, want 2", status.ModelVersion)
	}
	if status.LastError != "" {
		t.Errorf("LastError after recovery = %q, want empty", status.LastError)
	}
}

func TestTrainUnsupportedDiscipline(t *testing.T) {
	o := newOrchestrator()
	eng := &fakeContinuousOnly{fakeEngine{id: "e1"}}
	if err := o.Register("e1", eng); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	defer o.Deregister("e1")

	if err := o.Train(context.Background(), "e1"); !errors.Is(err, engine.ErrTrainingUnsupported) {
		t.Errorf("Train() error = %v, want ErrTrainingUnsupported", err)
	}
}

func TestDeregisterCancelsInflightBatchRun(t *testing.T) {
	o := newOrchestrator()
	eng := &fakeMixed{fakeEngine{
		id:           "e1",
		trainStarted: make(chan struct{}),
		trainRelease: make(chan struct{}),
	}}
	if err := o.Register("e1", eng); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := o.Train(context.Background(), "e1"); err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	<-eng.trainStarted

	// Deregister must cancel the run and return only once it finished.
	done := make(chan struct{})
	go func() {
		o.Deregister("e1")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Deregister() did not return after cancelling batch run")
	}

	if err := o.Accept(context.Background(), "e1", event("view", "u1", "i1")); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("Accept() after deregister error = %v, want ErrNotFound", err)
	}
}

func TestConcurrentAcceptsUnderTraining(t *testing.T) {
	o := newOrchestrator()
	eng := &fakeMixed{fakeEngine{
		id:           "e1",
		trainStarted: make(chan struct{}),
		trainRelease: make(chan struct{}),
	}}
	if err := o.Register("e1", eng); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := o.Train(context.Background(), "e1"); err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	<-eng.trainStarted

	// While the batch run holds the mutation path, accepts queue up and
	// complete after it releases.
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- o.Accept(context.Background(), "e1", event("view", "u1", "i1"))
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(eng.trainRelease)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Accept() during training error = %v", err)
		}
	}

	waitForState(t, o, "e1", StateIdle)
	o.Deregister("e1")
}
