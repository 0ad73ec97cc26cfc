package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hau2park/parking-monitor/internal/occupancy"
	"github.com/hau2park/parking-monitor/pkg/types"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestRatioSummary(t *testing.T) {
	mean, std := RatioSummary(nil)
	assert.Zero(t, mean)
	assert.Zero(t, std)

	mean, std = RatioSummary([]float64{0.5})
	assert.InDelta(t, 0.5, mean, 1e-12)
	assert.Zero(t, std)

	mean, std = RatioSummary([]float64{0.2, 0.4, 0.6})
	assert.InDelta(t, 0.4, mean, 1e-12)
	assert.InDelta(t, 0.2, std, 1e-12)
}

func TestObserveEpoch(t *testing.T) {
	m := New()
	m.ObserveEpoch(&occupancy.EpochReport{
		Results: []occupancy.SpaceResult{
			{ID: "A1", Ratio: 0.6, Status: types.StatusOccupied},
			{ID: "A2", Ratio: 0.0, Status: types.StatusOpen},
		},
		Transitions: []occupancy.Transition{{SpaceID: "A1"}},
	})

	assert.Equal(t, uint64(1), m.Epochs.Load())
	assert.Equal(t, uint64(1), m.Transitions.Load())

	body := scrape(t, m)
	assert.Contains(t, body, `parking_space_occupied{space="A1"} 1`)
	assert.Contains(t, body, `parking_space_occupied{space="A2"} 0`)
	assert.Contains(t, body, `parking_space_epoch_ratio{space="A1"} 0.6`)
	assert.Contains(t, body, "parking_epoch_ratio_mean 0.3")

	r, ok := m.LastRatio("A1")
	require.True(t, ok)
	assert.InDelta(t, 0.6, r, 1e-12)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveFrame(3, 1500*time.Microsecond)
	m.ObserveWrite(nil)
	m.ObserveWrite(errors.New("down"))
	m.SeedSpaces([]occupancy.Space{{ID: "B1", Status: types.StatusOccupied}})

	body := scrape(t, m)
	assert.Contains(t, body, "parking_frames_processed_total 1")
	assert.Contains(t, body, "parking_detections_total 3")
	assert.Contains(t, body, "parking_store_writes_total 1")
	assert.Contains(t, body, "parking_store_failures_total 1")
	assert.Contains(t, body, "parking_process_latency_ms 1.5")
	assert.Contains(t, body, `parking_space_occupied{space="B1"} 1`)
	assert.Contains(t, body, "parking_spaces_occupied 1")
}
