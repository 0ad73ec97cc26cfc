package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hau2park/parking-monitor/internal/occupancy"
	"github.com/hau2park/parking-monitor/internal/store"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const pixelConfig = `{
  "coordinates": "pixel",
  "reference_width": 1000,
  "reference_height": 500,
  "spaces": [
    {"id": "A1", "x_min": 100, "y_min": 50, "x_max": 300, "y_max": 250},
    {"id": "A2", "x_min": 300, "y_min": 50, "x_max": 500, "y_max": 250}
  ],
  "overlap_threshold": 0.1,
  "epoch": "2s",
  "class_filter": ["car"],
  "store": {"driver": "rest", "url": "${PARKING_REST_URL}", "api_key": "${PARKING_API_KEY}", "timeout": "3s"},
  "write_policy": {"mode": "retry", "max_attempts": 5, "backoff": "250ms"},
  "source": {"kind": "jsonl", "path": "replay.jsonl"}
}`

func TestLoadPixelConfig(t *testing.T) {
	t.Setenv("PARKING_REST_URL", "https://db.example.test")
	t.Setenv("PARKING_API_KEY", "secret")

	f, err := Load(writeConfig(t, "parking.json", pixelConfig))
	require.NoError(t, err)

	assert.Equal(t, "https://db.example.test", f.Store.URL)
	assert.Equal(t, "secret", f.Store.APIKey)
	assert.Equal(t, TimingWall, f.Timing)
	assert.Equal(t, 3*time.Second, f.StoreTimeout())

	occ, err := f.Occupancy()
	require.NoError(t, err)
	want := []occupancy.SpaceConfig{
		{ID: "A1", Region: occupancy.Rect{XMin: 0.1, YMin: 0.1, XMax: 0.3, YMax: 0.5}},
		{ID: "A2", Region: occupancy.Rect{XMin: 0.3, YMin: 0.1, XMax: 0.5, YMax: 0.5}},
	}
	approx := cmp.Comparer(func(a, b float64) bool { return a-b < 1e-9 && b-a < 1e-9 })
	if diff := cmp.Diff(want, occ.Spaces, approx); diff != "" {
		t.Errorf("spaces mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 0.1, occ.OverlapThreshold)
	assert.Equal(t, 0.2, occ.LowThreshold)
	assert.Equal(t, 0.4, occ.HighThreshold)
	assert.Equal(t, 2*time.Second, occ.Epoch)
	assert.Equal(t, []string{"car"}, occ.ClassFilter)
	assert.Equal(t, occupancy.AssignIoU, occ.Assignment)

	w := f.Writer()
	assert.Equal(t, store.PolicyRetry, w.Policy)
	assert.Equal(t, 5, w.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, w.Backoff)
	assert.Equal(t, 3*time.Second, w.Timeout)
	assert.Equal(t, store.DefaultWriterConfig().QueueSize, w.QueueSize)
}

func TestParseNormalizedDefaults(t *testing.T) {
	f, err := Parse([]byte(`{
	  "coordinates": "normalized",
	  "spaces": [{"id": "S", "x_min": 0.1, "y_min": 0.1, "x_max": 0.4, "y_max": 0.4}],
	  "assignment": "center",
	  "timing": "frame",
	  "source": {"kind": "shm", "poll": "50ms"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, f.Store.Driver)
	assert.Equal(t, TimingFrame, f.Timing)
	assert.Equal(t, 50*time.Millisecond, f.SourcePoll())
	assert.Equal(t, "screenshots", f.Screenshots.Dir)

	occ, err := f.Occupancy()
	require.NoError(t, err)
	assert.Equal(t, occupancy.AssignCenter, occ.Assignment)
	assert.Equal(t, occupancy.Rect{XMin: 0.1, YMin: 0.1, XMax: 0.4, YMax: 0.4}, occ.Spaces[0].Region)
	assert.Equal(t, 5*time.Second, occ.Epoch)

	assert.Equal(t, store.DefaultWriterConfig(), f.Writer())
}

func TestParseSQLiteDefaultPath(t *testing.T) {
	f, err := Parse([]byte(`{
	  "coordinates": "normalized",
	  "spaces": [{"id": "S", "x_min": 0, "y_min": 0, "x_max": 1, "y_max": 1}],
	  "store": {"driver": "sqlite"},
	  "source": {"kind": "jsonl", "path": "x.jsonl"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "parking.db", f.Store.Path)
}

func TestParseReportsEveryProblem(t *testing.T) {
	_, err := Parse([]byte(`{
	  "coordinates": "pixel",
	  "spaces": [{"id": "S", "x_min": 0, "y_min": 0, "x_max": 10, "y_max": 10}],
	  "timing": "sometimes",
	  "store": {"driver": "rest", "timeout": "soon"},
	  "write_policy": {"mode": "pray"},
	  "source": {"kind": "roboflow"}
	}`))
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "reference_width")
	assert.Contains(t, msg, `unknown timing "sometimes"`)
	assert.Contains(t, msg, "rest store needs a url")
	assert.Contains(t, msg, `invalid store.timeout "soon"`)
	assert.Contains(t, msg, `unknown write_policy.mode "pray"`)
	assert.Contains(t, msg, "roboflow source needs a model")
}

func TestParseRejectsOutOfRangeRegions(t *testing.T) {
	_, err := Parse([]byte(`{
	  "coordinates": "pixel",
	  "reference_width": 100,
	  "reference_height": 100,
	  "spaces": [{"id": "S", "x_min": 50, "y_min": 0, "x_max": 150, "y_max": 10}],
	  "source": {"kind": "jsonl", "path": "x.jsonl"}
	}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, occupancy.ErrInvalidConfig)
}

func TestParseRequiresSource(t *testing.T) {
	_, err := Parse([]byte(`{"coordinates": "normalized", "spaces": [{"id": "S", "x_min": 0, "y_min": 0, "x_max": 1, "y_max": 1}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source.kind is required")
}

func TestLoadRejectsBadFiles(t *testing.T) {
	_, err := Load(writeConfig(t, "parking.yaml", pixelConfig))
	require.Error(t, err)
	assert.Contains(t, err.Error(), ".json extension")

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to stat config file")

	_, err = Load(writeConfig(t, "broken.json", `{"spaces": [`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config JSON")
}

func TestOpenStoreAndSource(t *testing.T) {
	dir := t.TempDir()
	replay := filepath.Join(dir, "replay.jsonl")
	require.NoError(t, os.WriteFile(replay, []byte(`{"image":{"width":100,"height":100},"predictions":[]}`+"\n"), 0o644))

	f, err := Parse([]byte(`{
	  "coordinates": "normalized",
	  "spaces": [{"id": "S", "x_min": 0, "y_min": 0, "x_max": 1, "y_max": 1}],
	  "store": {"driver": "sqlite", "path": "` + filepath.ToSlash(filepath.Join(dir, "parking.db")) + `"},
	  "source": {"kind": "jsonl", "path": "` + filepath.ToSlash(replay) + `"}
	}`))
	require.NoError(t, err)

	st, err := f.OpenStore()
	require.NoError(t, err)
	defer st.Close()
	_, ok := st.(*store.SQLite)
	assert.True(t, ok)

	src, err := f.OpenSource()
	require.NoError(t, err)
	defer src.Close()
	frame, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, frame.Width)
}

func TestOpenRoboflowNeedsImages(t *testing.T) {
	f, err := Parse([]byte(`{
	  "coordinates": "normalized",
	  "spaces": [{"id": "S", "x_min": 0, "y_min": 0, "x_max": 1, "y_max": 1}],
	  "source": {"kind": "roboflow", "model": "parking", "version": 2, "path": "` + filepath.ToSlash(filepath.Join(t.TempDir(), "*.jpg")) + `"}
	}`))
	require.NoError(t, err)

	_, err = f.OpenSource()
	require.Error(t, err)
}
