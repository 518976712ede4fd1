// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/aviary-ml/aviary/internal/engine"
	"github.com/aviary-ml/aviary/internal/engines"
	"github.com/aviary-ml/aviary/internal/mirror"
	"github.com/aviary-ml/aviary/internal/registry"
	"github.com/aviary-ml/aviary/internal/router"
	"github.com/aviary-ml/aviary/internal/store"
	"github.com/aviary-ml/aviary/internal/trainer"
)

// memStore is a minimal in-memory metadata store for handler tests.
type memStore struct {
	mu      sync.Mutex
	records map[string]store.Record
}

func (m *memStore) Put(_ context.Context, rec store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.EngineID] = rec
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return rec, nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *memStore) List(_ context.Context) ([]store.Record, error) { return nil, nil }
func (m *memStore) Close() error                                   { return nil }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := mirror.DefaultConfig(t.TempDir())
	cfg.SyncWrites = false
	mlog, err := mirror.Open(cfg)
	if err != nil {
		t.Fatalf("mirror.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = mlog.Close() })

	factories := engine.NewFactoryRegistry()
	engines.Register(factories)

	orch := trainer.New(zerolog.Nop())
	reg := registry.New(factories, &memStore{records: make(map[string]store.Record)}, orch, nil, zerolog.Nop())
	rt := router.New(reg, orch, mlog, zerolog.Nop())

	handler := NewHandler(reg, rt, nil)
	srv := httptest.NewServer(NewRouter(handler, RouterConfig{}))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, body string) (int, APIResponse) {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()

	var out APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

const createDoc = `{
	"engineId": "reco-1",
	"engineFactory": "covisit",
	"mirrorType": "file"
}`

func TestCreateEngineEndpoint(t *testing.T) {
	srv := newTestServer(t)

	status, resp := doJSON(t, srv, http.MethodPost, "/engines", createDoc)
	if status != http.StatusCreated {
		t.Fatalf("status = %d, want 201", status)
	}
	if !resp.Success {
		t.Fatalf("response not successful: %+v", resp.Error)
	}

	data := resp.Data.(map[string]interface{})
	if data["engineId"] != "reco-1" {
		t.Errorf("engineId = %v, want reco-1", data["engineId"])
	}
}

func TestCreateEngineValidationFailure(t *testing.T) {
	srv := newTestServer(t)

	status, resp := doJSON(t, srv, http.MethodPost, "/engines", `{"engineFactory":"covisit"}`)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
	if resp.Error == nil || resp.Error.Code != ErrCodeValidationFailed {
		t.Errorf("error code = %+v, want VALIDATION_FAILED", resp.Error)
	}
}

func TestCreateEngineDuplicateConflict(t *testing.T) {
	srv := newTestServer(t)

	if status, _ := doJSON(t, srv, http.MethodPost, "/engines", createDoc); status != http.StatusCreated {
		t.Fatalf("first create status = %d", status)
	}
	status, resp := doJSON(t, srv, http.MethodPost, "/engines", createDoc)
	if status != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", status)
	}
	if resp.Error.Code != ErrCodeConflict {
		t.Errorf("error code = %s, want CONFLICT", resp.Error.Code)
	}
}

func TestEventQueryRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/engines", createDoc)

	events := []string{
		`{"entityType":"user","entityId":"u1","event":"view","targetEntityType":"item","targetEntityId":"i1"}`,
		`{"entityType":"user","entityId":"u1","event":"view","targetEntityType":"item","targetEntityId":"i2"}`,
	}
	for _, ev := range events {
		status, resp := doJSON(t, srv, http.MethodPost, "/engines/reco-1/events", ev)
		if status != http.StatusCreated {
			t.Fatalf("event status = %d, error = %+v", status, resp.Error)
		}
	}

	status, resp := doJSON(t, srv, http.MethodPost, "/engines/reco-1/queries", `{"entityId":"i1"}`)
	if status != http.StatusOK {
		t.Fatalf("query status = %d, error = %+v", status, resp.Error)
	}

	data := resp.Data.(map[string]interface{})
	result := data["result"].([]interface{})
	if len(result) != 1 {
		t.Fatalf("result = %v, want one correlated item", result)
	}
	item := result[0].(map[string]interface{})
	if item["itemId"] != "i2" {
		t.Errorf("itemId = %v, want i2", item["itemId"])
	}
}

func TestEventUnknownEngine(t *testing.T) {
	srv := newTestServer(t)

	status, resp := doJSON(t, srv, http.MethodPost, "/engines/ghost/events",
		`{"entityType":"user","entityId":"u1","event":"view"}`)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if resp.Error.Code != ErrCodeNotFound {
		t.Errorf("error code = %s, want NOT_FOUND", resp.Error.Code)
	}
}

func TestTrainEndpointAndStatus(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/engines", createDoc)

	status, resp := doJSON(t, srv, http.MethodPost, "/engines/reco-1/train", "")
	if status != http.StatusAccepted {
		t.Fatalf("train status = %d, error = %+v", status, resp.Error)
	}

	// The run completes asynchronously; poll status until idle.
	deadline := 200
	for {
		status, resp = doJSON(t, srv, http.MethodGet, "/engines/reco-1/train", "")
		if status != http.StatusOK {
			t.Fatalf("train status fetch = %d", status)
		}
		data := resp.Data.(map[string]interface{})
		if data["state"] == "idle" && data["modelVersion"].(float64) >= 1 {
			break
		}
		deadline--
		if deadline == 0 {
			t.Fatalf("training never completed, last status %v", data)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDestroyAndReplayFlow(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/engines", createDoc)

	for _, target := range []string{"i1", "i2", "i3"} {
		ev := `{"entityType":"user","entityId":"u1","event":"view","targetEntityType":"item","targetEntityId":"` + target + `"}`
		if status, _ := doJSON(t, srv, http.MethodPost, "/engines/reco-1/events", ev); status != http.StatusCreated {
			t.Fatalf("event status = %d", status)
		}
	}

	if status, _ := doJSON(t, srv, http.MethodDelete, "/engines/reco-1", ""); status != http.StatusOK {
		t.Fatalf("destroy status = %d", status)
	}

	// Recreate under the same id: fresh dataset, mirrored history intact.
	if status, _ := doJSON(t, srv, http.MethodPost, "/engines", createDoc); status != http.StatusCreated {
		t.Fatalf("recreate status = %d", status)
	}

	status, resp := doJSON(t, srv, http.MethodPost, "/engines/reco-1/replay", "")
	if status != http.StatusOK {
		t.Fatalf("replay status = %d, error = %+v", status, resp.Error)
	}
	data := resp.Data.(map[string]interface{})
	if data["replayed"].(float64) != 3 {
		t.Errorf("replayed = %v, want 3", data["replayed"])
	}

	// The replayed dataset answers queries again.
	status, resp = doJSON(t, srv, http.MethodPost, "/engines/reco-1/queries", `{"entityId":"i1"}`)
	if status != http.StatusOK {
		t.Fatalf("query status = %d", status)
	}
}

func TestListAndGetEndpoints(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/engines", createDoc)
	doJSON(t, srv, http.MethodPost, "/engines", `{"engineId":"pop-1","engineFactory":"popularity"}`)

	status, resp := doJSON(t, srv, http.MethodGet, "/engines", "")
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	list := resp.Data.([]interface{})
	if len(list) != 2 {
		t.Fatalf("list = %d engines, want 2", len(list))
	}

	status, resp = doJSON(t, srv, http.MethodGet, "/engines/pop-1", "")
	if status != http.StatusOK {
		t.Fatalf("get status = %d", status)
	}
	data := resp.Data.(map[string]interface{})
	if data["discipline"] != "periodic" {
		t.Errorf("discipline = %v, want periodic", data["discipline"])
	}
	if data["mirrored"] != false {
		t.Errorf("mirrored = %v, want false", data["mirrored"])
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	status, _ := doJSON(t, srv, http.MethodGet, "/healthz/live", "")
	if status != http.StatusOK {
		t.Errorf("live status = %d, want 200", status)
	}
	status, _ = doJSON(t, srv, http.MethodGet, "/healthz/ready", "")
	if status != http.StatusOK {
		t.Errorf("ready status = %d, want 200", status)
	}
}

func TestReadinessGate(t *testing.T) {
	cfg := mirror.DefaultConfig(t.TempDir())
	cfg.SyncWrites = false
	mlog, err := mirror.Open(cfg)
	if err != nil {
		t.Fatalf("mirror.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = mlog.Close() })

	factories := engine.NewFactoryRegistry()
	engines.Register(factories)
	orch := trainer.New(zerolog.Nop())
	reg := registry.New(factories, &memStore{records: make(map[string]store.Record)}, orch, nil, zerolog.Nop())
	rt := router.New(reg, orch, mlog, zerolog.Nop())

	ready := false
	handler := NewHandler(reg, rt, func() bool { return ready })
	srv := httptest.NewServer(NewRouter(handler, RouterConfig{}))
	t.Cleanup(srv.Close)

	status, _ := doJSON(t, srv, http.MethodGet, "/healthz/ready", "")
	if status != http.StatusServiceUnavailable {
		t.Errorf("ready status before restore = %d, want 503", status)
	}

	ready = true
	status, _ = doJSON(t, srv, http.MethodGet, "/healthz/ready", "")
	if status != http.StatusOK {
		t.Errorf("ready status after restore = %d, want 200", status)
	}
}

func TestRequestIDHeaderEchoed(t *testing.T) {
	srv := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/healthz/live", nil)
	req.Header.Set(RequestIDHeader, "trace-123")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get(RequestIDHeader); got != "trace-123" {
		t.Errorf("request id header = %q, want %q", got, "trace-123")
	}
}
