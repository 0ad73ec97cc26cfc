package source

import (
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hau2park/parking-monitor/pkg/types"
)

const replay = `{"time": 1700000000.5, "image": {"width": 1000, "height": 800}, "predictions": [{"x": 160, "y": 160, "width": 40, "height": 40, "class": "car", "confidence": 0.91}]}

# gap in the recording
{"time": 1700000001.0, "image": {"width": 1000, "height": 800}, "predictions": []}
`

func TestJSONLReplay(t *testing.T) {
	s := NewJSONL(strings.NewReader(replay), JSONLConfig{})
	ctx := context.Background()

	f, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Number)
	assert.Equal(t, 1000, f.Width)
	assert.Equal(t, 800, f.Height)
	assert.False(t, f.Normalized)
	assert.Equal(t, int64(1700000000), f.Timestamp.Unix())
	assert.InDelta(t, 5e8, float64(f.Timestamp.Nanosecond()), 1e3)
	want := []types.Detection{{Class: "car", Confidence: 0.91, X: 160, Y: 160, Width: 40, Height: 40}}
	if diff := cmp.Diff(want, f.Detections); diff != "" {
		t.Errorf("detections mismatch (-want +got):\n%s", diff)
	}

	f, err = s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), f.Number)
	assert.Empty(t, f.Detections)

	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestJSONLBadLine(t *testing.T) {
	s := NewJSONL(strings.NewReader("{not json}\n"), JSONLConfig{})
	_, err := s.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestJSONLWithoutTimeUsesClock(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(42, 0))
	s := NewJSONL(strings.NewReader(`{"image":{"width":1,"height":1},"predictions":[]}`), JSONLConfig{
		Normalized: true,
		Clock:      mock,
	})
	f, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, f.Normalized)
	assert.Equal(t, time.Unix(42, 0), f.Timestamp)
}

func TestJSONLRealtimePacing(t *testing.T) {
	mock := clock.NewMock()
	s := NewJSONL(strings.NewReader(replay), JSONLConfig{Realtime: true, Clock: mock})
	ctx := context.Background()

	_, err := s.Next(ctx)
	require.NoError(t, err)

	done := make(chan time.Time, 1)
	go func() {
		f, err := s.Next(ctx)
		if err == nil {
			done <- f.Timestamp
		}
		close(done)
	}()

	start := mock.Now()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ts, ok := <-done:
			require.True(t, ok, "second record failed")
			assert.Equal(t, int64(1700000001), ts.Unix())
			assert.GreaterOrEqual(t, mock.Now().Sub(start), 500*time.Millisecond)
			return
		case <-deadline:
			t.Fatal("replay never released the second record")
		case <-time.After(5 * time.Millisecond):
			mock.Add(100 * time.Millisecond)
		}
	}
}

func TestJSONLCanceledContext(t *testing.T) {
	s := NewJSONL(strings.NewReader(replay), JSONLConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenJSONLMissingFile(t *testing.T) {
	_, err := OpenJSONL(JSONLConfig{Path: filepath.Join(t.TempDir(), "missing.jsonl")})
	assert.Error(t, err)
}

func writePNG(t *testing.T, path string, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.RGBA{R: 255, A: 255})
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return raw
}

func TestRoboflowInference(t *testing.T) {
	dir := t.TempDir()
	raw := writePNG(t, filepath.Join(dir, "lot-1.png"), 64, 48)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/parking-detection/8", r.URL.Path)
		assert.Equal(t, "key-123", r.URL.Query().Get("api_key"))
		assert.Equal(t, "40", r.URL.Query().Get("confidence"))
		assert.Equal(t, "30", r.URL.Query().Get("overlap"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		decoded, err := base64.StdEncoding.DecodeString(string(body))
		assert.NoError(t, err)
		assert.Equal(t, raw, decoded)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"predictions":[{"x":20,"y":20,"width":10,"height":12,"class":"occupied","confidence":0.8}]}`)
	}))
	defer srv.Close()

	cfg := DefaultRoboflowConfig()
	cfg.Endpoint = srv.URL
	cfg.Model = "parking-detection"
	cfg.Version = 8
	cfg.APIKey = "key-123"
	cfg.Images = filepath.Join(dir, "*.png")
	cfg.Rate = 0

	s, err := NewRoboflow(cfg)
	require.NoError(t, err)
	defer s.Close()

	f, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 64, f.Width)
	assert.Equal(t, 48, f.Height)
	assert.False(t, f.Normalized)
	require.NotNil(t, f.Image)
	require.Len(t, f.Detections, 1)
	assert.Equal(t, "occupied", f.Detections[0].Class)

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestRoboflowServerError(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), 8, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad api key", http.StatusForbidden)
	}))
	defer srv.Close()

	cfg := DefaultRoboflowConfig()
	cfg.Endpoint, cfg.Model, cfg.Version, cfg.Images = srv.URL, "m", 1, filepath.Join(dir, "a.png")
	s, err := NewRoboflow(cfg)
	require.NoError(t, err)

	_, err = s.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}

func TestNewRoboflowValidation(t *testing.T) {
	cfg := DefaultRoboflowConfig()
	cfg.Model = "m"
	cfg.Version = 1
	cfg.Images = filepath.Join(t.TempDir(), "*.jpg")
	_, err := NewRoboflow(cfg)
	assert.ErrorContains(t, err, "no images")

	cfg.Version = 0
	_, err = NewRoboflow(cfg)
	assert.Error(t, err)
}

func TestSHMDetectionUsesBoxCenter(t *testing.T) {
	d := shmDetection("car", 0.7, shmBox{X: 100, Y: 50, W: 40, H: 20})
	assert.Equal(t, types.Detection{Class: "car", Confidence: 0.7, X: 120, Y: 60, Width: 40, Height: 20}, d)
}

func TestSliceSource(t *testing.T) {
	s := NewSlice(types.Frame{Number: 1}, types.Frame{Number: 2})
	ctx := context.Background()

	f, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Number)

	require.NoError(t, s.Close())
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, ErrClosedSource)
}
