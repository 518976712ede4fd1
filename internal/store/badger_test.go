// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

package store

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenBadger(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord(id string) Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return Record{
		EngineID:  id,
		Factory:   "covisit",
		Params:    json.RawMessage(`{"engineId":"` + id + `","engineFactory":"covisit"}`),
		Mirrored:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	want := testRecord("reco-1")
	require.NoError(t, s.Put(ctx, want))

	got, err := s.Get(ctx, "reco-1")
	require.NoError(t, err)
	assert.Equal(t, want.EngineID, got.EngineID)
	assert.Equal(t, want.Factory, got.Factory)
	assert.JSONEq(t, string(want.Params), string(got.Params))
	assert.True(t, got.Mirrored)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutReplacesExistingRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := testRecord("reco-1")
	require.NoError(t, s.Put(ctx, rec))

	rec.Mirrored = false
	rec.UpdatedAt = rec.UpdatedAt.Add(time.Minute)
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, "reco-1")
	require.NoError(t, err)
	assert.False(t, got.Mirrored)

	records, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestDeleteRemovesRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testRecord("reco-1")))
	require.NoError(t, s.Delete(ctx, "reco-1"))

	_, err := s.Get(ctx, "reco-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)

	err := s.Delete(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListReturnsAllRecords(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ids := []string{"reco-1", "reco-2", "pop-1"}
	for _, id := range ids {
		require.NoError(t, s.Put(ctx, testRecord(id)))
	}

	records, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, len(ids))

	seen := make(map[string]bool)
	for _, rec := range records {
		seen[rec.EngineID] = true
	}
	for _, id := range ids {
		assert.True(t, seen[id], "missing record %s", id)
	}
}

func TestRecordsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenBadger(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, testRecord("reco-1")))
	require.NoError(t, s.Close())

	s2, err := OpenBadger(dir)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, "reco-1")
	require.NoError(t, err)
	assert.Equal(t, "reco-1", got.EngineID)
}
