package metrics

import (
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gonum.org/v1/gonum/stat"

	"github.com/hau2park/parking-monitor/internal/logger"
	"github.com/hau2park/parking-monitor/internal/occupancy"
	"github.com/hau2park/parking-monitor/pkg/types"
)

// Metrics holds all application metrics
type Metrics struct {
	// Frame counters
	FramesProcessed atomic.Uint64
	FramesSkipped   atomic.Uint64
	Detections      atomic.Uint64

	// Epoch counters
	Epochs      atomic.Uint64
	Transitions atomic.Uint64

	// Store writes
	StoreWrites   atomic.Uint64
	StoreFailures atomic.Uint64
	StorePending  atomic.Int64

	// Preview clients
	ActiveClients atomic.Uint64
	TotalClients  atomic.Uint64
	Screenshots   atomic.Uint64

	ProcessLatencyUs atomic.Uint64 // Last frame processing latency in µs

	occupied   atomic.Int64
	ratioMean  atomic.Uint64 // float64 bits
	ratioStdev atomic.Uint64 // float64 bits

	spaceStatus *prometheus.GaugeVec
	spaceRatio  *prometheus.GaugeVec

	mu       sync.Mutex
	lastRuns map[string]float64

	registry *prometheus.Registry
}

// New creates a new Metrics instance with its own Prometheus registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		lastRuns: make(map[string]float64),
		spaceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "parking_space_occupied",
			Help: "Stable status per space (1=Occupied, 0=Open)",
		}, []string{"space"}),
		spaceRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "parking_space_epoch_ratio",
			Help: "Occupancy ratio of the last completed epoch per space",
		}, []string{"space"}),
	}

	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.counter("parking_frames_processed_total", "Frames counted by the estimator", &m.FramesProcessed)
	m.counter("parking_frames_skipped_total", "Frames rejected before counting", &m.FramesSkipped)
	m.counter("parking_detections_total", "Detections received from the source", &m.Detections)
	m.counter("parking_epochs_total", "Completed epochs", &m.Epochs)
	m.counter("parking_transitions_total", "Status transitions", &m.Transitions)
	m.counter("parking_store_writes_total", "Status updates persisted", &m.StoreWrites)
	m.counter("parking_store_failures_total", "Status updates that exhausted their attempts", &m.StoreFailures)
	m.counter("parking_screenshots_total", "Annotated screenshots saved", &m.Screenshots)
	m.counter("parking_active_clients", "Connected preview clients", &m.ActiveClients)
	m.counter("parking_total_clients", "Preview clients since start", &m.TotalClients)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "parking_store_pending",
			Help: "Status updates parked after a failed write",
		},
		func() float64 { return float64(m.StorePending.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "parking_process_latency_ms",
			Help: "Last frame processing latency in milliseconds",
		},
		func() float64 { return float64(m.ProcessLatencyUs.Load()) / 1000 },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "parking_spaces_occupied",
			Help: "Spaces currently Occupied",
		},
		func() float64 { return float64(m.occupied.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "parking_epoch_ratio_mean",
			Help: "Mean occupancy ratio across spaces in the last epoch",
		},
		func() float64 { return math.Float64frombits(m.ratioMean.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "parking_epoch_ratio_stddev",
			Help: "Standard deviation of occupancy ratios in the last epoch",
		},
		func() float64 { return math.Float64frombits(m.ratioStdev.Load()) },
	))

	m.registry.MustRegister(m.spaceStatus, m.spaceRatio)
}

// ObserveFrame records one processed frame.
func (m *Metrics) ObserveFrame(detections int, took time.Duration) {
	m.FramesProcessed.Add(1)
	m.Detections.Add(uint64(detections))
	m.ProcessLatencyUs.Store(uint64(took.Microseconds()))
}

// ObserveEpoch updates per-space gauges and the ratio summary.
func (m *Metrics) ObserveEpoch(r *occupancy.EpochReport) {
	m.Epochs.Add(1)
	m.Transitions.Add(uint64(len(r.Transitions)))

	ratios := make([]float64, 0, len(r.Results))
	var occupied int64
	for _, res := range r.Results {
		ratios = append(ratios, res.Ratio)
		m.spaceRatio.WithLabelValues(res.ID).Set(res.Ratio)
		v := 0.0
		if res.Status == types.StatusOccupied {
			v = 1
			occupied++
		}
		m.spaceStatus.WithLabelValues(res.ID).Set(v)
	}
	m.occupied.Store(occupied)

	mean, std := RatioSummary(ratios)
	m.ratioMean.Store(math.Float64bits(mean))
	m.ratioStdev.Store(math.Float64bits(std))

	m.mu.Lock()
	for _, res := range r.Results {
		m.lastRuns[res.ID] = res.Ratio
	}
	m.mu.Unlock()
}

// SeedSpaces publishes the startup status before the first epoch closes.
func (m *Metrics) SeedSpaces(spaces []occupancy.Space) {
	var occupied int64
	for _, s := range spaces {
		v := 0.0
		if s.Status == types.StatusOccupied {
			v = 1
			occupied++
		}
		m.spaceStatus.WithLabelValues(s.ID).Set(v)
	}
	m.occupied.Store(occupied)
}

// ObserveWrite is the store writer result hook.
func (m *Metrics) ObserveWrite(err error) {
	if err != nil {
		m.StoreFailures.Add(1)
		return
	}
	m.StoreWrites.Add(1)
}

// LastRatio returns the ratio of the last completed epoch for id.
func (m *Metrics) LastRatio(id string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.lastRuns[id]
	return v, ok
}

// RatioSummary returns the mean and sample standard deviation of ratios.
// Fewer than two values give a zero deviation.
func RatioSummary(ratios []float64) (mean, stddev float64) {
	if len(ratios) == 0 {
		return 0, 0
	}
	mean = stat.Mean(ratios, nil)
	if len(ratios) > 1 {
		stddev = stat.StdDev(ratios, nil)
	}
	return mean, stddev
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer builds the metrics HTTP server; the caller owns its lifecycle.
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	logger.Info("Metrics", "Prometheus metrics on %s/metrics", addr)
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
