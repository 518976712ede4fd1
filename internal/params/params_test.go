// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

package params

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aviary-ml/aviary/internal/validation"
)

const fullDoc = `{
	"engineId": "reco-1",
	"engineFactory": "covisit",
	"mirrorType": "file",
	"comment": "primary recommender",
	"algorithm": {
		"eventNames": ["view", "buy"],
		"maxCorrelators": 100
	},
	"training": {
		"schedule": "0 3 * * *"
	}
}`

func TestParseFullDocument(t *testing.T) {
	p, err := Parse([]byte(fullDoc))
	require.NoError(t, err)

	assert.Equal(t, "reco-1", p.EngineID)
	assert.Equal(t, "covisit", p.EngineFactory)
	assert.True(t, p.MirrorEnabled())
	assert.Equal(t, "0 3 * * *", p.TrainingSchedule())
	assert.JSONEq(t, fullDoc, string(p.Raw()))
}

func TestParseMinimalDocument(t *testing.T) {
	p, err := Parse([]byte(`{"engineId":"e1","engineFactory":"popularity"}`))
	require.NoError(t, err)

	assert.False(t, p.MirrorEnabled())
	assert.Empty(t, p.TrainingSchedule())
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"malformed json", `{"engineId": `},
		{"missing engineId", `{"engineFactory":"covisit"}`},
		{"missing engineFactory", `{"engineId":"e1"}`},
		{"bad resource id", `{"engineId":"no/slashes","engineFactory":"covisit"}`},
		{"resource id too long", `{"engineId":"` + strings.Repeat("a", 65) + `","engineFactory":"covisit"}`},
		{"unknown mirror type", `{"engineId":"e1","engineFactory":"covisit","mirrorType":"s3"}`},
		{"schema mismatch", `{"engineId":42,"engineFactory":"covisit"}`},
		{"malformed training schedule", `{"engineId":"e1","engineFactory":"covisit","training":{"schedule":"not a cron"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)

			var verrs *validation.Errors
			assert.ErrorAs(t, err, &verrs)
		})
	}
}

func TestParseKeepsUnknownKeys(t *testing.T) {
	doc := `{"engineId":"e1","engineFactory":"covisit","custom":{"nested":{"deep":true}}}`
	p, err := Parse([]byte(doc))
	require.NoError(t, err)

	sub := Subtree(p.Raw(), "custom.nested")
	assert.JSONEq(t, `{"deep":true}`, string(sub))
}

func TestSubtree(t *testing.T) {
	raw := []byte(`{"algorithm":{"eventNames":["view"]},"flag":true}`)

	assert.JSONEq(t, `{"eventNames":["view"]}`, string(Subtree(raw, "algorithm")))
	assert.Equal(t, "true", string(Subtree(raw, "flag")))
	assert.Nil(t, Subtree(raw, "absent"))
	assert.Nil(t, Subtree(raw, "algorithm.absent"))
}

func TestRawIsACopy(t *testing.T) {
	doc := []byte(`{"engineId":"e1","engineFactory":"covisit"}`)
	p, err := Parse(doc)
	require.NoError(t, err)

	doc[2] = 'X'
	assert.Equal(t, "e1", p.EngineID)
	assert.NotContains(t, string(p.Raw()), "X")
}
