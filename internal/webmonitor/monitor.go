package webmonitor

import (
	"sync"

	"github.com/hau2park/parking-monitor/internal/occupancy"
)

// Monitor keeps the latest snapshot and a bounded epoch history for the
// HTTP handlers. The pipeline goroutine writes; handlers read copies.
type Monitor struct {
	mu         sync.Mutex
	latest     Snapshot
	hasLatest  bool
	epochs     []occupancy.EpochReport
	maxHistory int
}

// NewMonitor keeps up to maxHistory epoch reports.
func NewMonitor(maxHistory int) *Monitor {
	if maxHistory <= 0 {
		maxHistory = DefaultConfig().EpochHistory
	}
	return &Monitor{maxHistory: maxHistory}
}

// Update replaces the latest snapshot.
func (m *Monitor) Update(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = s
	m.hasLatest = true
}

// RecordEpoch appends a report, dropping the oldest past the limit.
func (m *Monitor) RecordEpoch(r occupancy.EpochReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epochs = append(m.epochs, r)
	if len(m.epochs) > m.maxHistory {
		m.epochs = append(m.epochs[:0:0], m.epochs[len(m.epochs)-m.maxHistory:]...)
	}
}

// Snapshot returns the latest snapshot and whether one was published.
func (m *Monitor) Snapshot() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.latest
	s.Spaces = append([]SpaceView(nil), m.latest.Spaces...)
	return s, m.hasLatest
}

// Epochs returns up to limit of the most recent reports, oldest first.
// limit <= 0 returns all of them.
func (m *Monitor) Epochs(limit int) []occupancy.EpochReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if limit > 0 && len(m.epochs) > limit {
		start = len(m.epochs) - limit
	}
	return append([]occupancy.EpochReport(nil), m.epochs[start:]...)
}
