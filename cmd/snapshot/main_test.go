package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hau2park/parking-monitor/internal/config"
	"github.com/hau2park/parking-monitor/pkg/types"
)

func lotConfig(t *testing.T) *config.File {
	t.Helper()
	f, err := config.Parse([]byte(`{
	  "coordinates": "pixel",
	  "reference_width": 1000,
	  "reference_height": 400,
	  "spaces": [
	    {"id": "P1", "x_min": 214, "x_max": 340, "y_min": 72, "y_max": 309},
	    {"id": "P2", "x_min": 349, "x_max": 473, "y_min": 72, "y_max": 309},
	    {"id": "P3", "x_min": 487, "x_max": 617, "y_min": 72, "y_max": 309}
	  ],
	  "source": {"kind": "jsonl", "path": "unused.jsonl"}
	}`))
	require.NoError(t, err)
	return f
}

func TestSnapshotCreditsFirstContainingSpace(t *testing.T) {
	frame := types.Frame{
		Width:  1000,
		Height: 400,
		Detections: []types.Detection{
			{Class: "car", Confidence: 0.91, X: 280, Y: 190, Width: 110, Height: 200},
			{Class: "car", Confidence: 0.55, X: 550, Y: 200, Width: 100, Height: 180},
			{Class: "car", Confidence: 0.80, X: 900, Y: 350, Width: 40, Height: 40},
		},
	}

	results, spaces, hits, err := snapshot(lotConfig(t), frame)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Len(t, spaces, 3)
	assert.Equal(t, []string{"P1", "P3"}, hits)

	assert.Equal(t, "car", results[0].Status)
	require.NotNil(t, results[0].Confidence)
	assert.InDelta(t, 0.91, *results[0].Confidence, 1e-9)
	assert.True(t, results[0].Occupied)
	assert.Equal(t, 214.0, results[0].XMin)

	assert.Empty(t, results[1].Status)
	assert.Nil(t, results[1].Confidence)
	assert.False(t, results[1].Occupied)

	assert.True(t, results[2].Occupied)
}

func TestSnapshotJSONOmitsUnmatchedFields(t *testing.T) {
	results, _, _, err := snapshot(lotConfig(t), types.Frame{Width: 1000, Height: 400})
	require.NoError(t, err)

	data, err := json.Marshal(results[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"P1","x_min":214,"x_max":340,"y_min":72,"y_max":309,"occupied":false}`, string(data))
}

func TestSnapshotRejectsUnsizedFrame(t *testing.T) {
	_, _, _, err := snapshot(lotConfig(t), types.Frame{Detections: []types.Detection{{Class: "car", X: 1, Y: 1, Width: 1, Height: 1}}})
	require.Error(t, err)
}

func TestSnapshotLabelsOnlyKeptDetections(t *testing.T) {
	cfg, err := config.Parse([]byte(`{
	  "coordinates": "pixel",
	  "reference_width": 1000,
	  "reference_height": 400,
	  "spaces": [
	    {"id": "P1", "x_min": 214, "x_max": 340, "y_min": 72, "y_max": 309},
	    {"id": "P2", "x_min": 349, "x_max": 473, "y_min": 72, "y_max": 309}
	  ],
	  "class_filter": ["car"],
	  "min_confidence": 0.5,
	  "source": {"kind": "jsonl", "path": "unused.jsonl"}
	}`))
	require.NoError(t, err)

	frame := types.Frame{
		Width:  1000,
		Height: 400,
		Detections: []types.Detection{
			{Class: "person", Confidence: 0.97, X: 280, Y: 190, Width: 40, Height: 90},
			{Class: "car", Confidence: 0.88, X: 280, Y: 190, Width: 110, Height: 200},
			{Class: "car", Confidence: 0.30, X: 410, Y: 190, Width: 110, Height: 200},
		},
	}

	results, _, hits, err := snapshot(cfg, frame)
	require.NoError(t, err)
	assert.Equal(t, []string{"P1"}, hits)

	assert.Equal(t, "car", results[0].Status)
	require.NotNil(t, results[0].Confidence)
	assert.InDelta(t, 0.88, *results[0].Confidence, 1e-9)

	assert.Empty(t, results[1].Status)
	assert.Nil(t, results[1].Confidence)
	assert.False(t, results[1].Occupied)
}
