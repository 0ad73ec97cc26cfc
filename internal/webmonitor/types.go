package webmonitor

import (
	"time"

	"github.com/hau2park/parking-monitor/internal/occupancy"
	"github.com/hau2park/parking-monitor/pkg/types"
)

// SpaceView is the JSON shape of one space in /api/spaces.
type SpaceView struct {
	ID        string         `json:"id"`
	Status    types.Status   `json:"status"`
	Ratio     float64        `json:"ratio"`
	Hit       bool           `json:"hit"`
	Occupant  string         `json:"occupant,omitempty"`
	UpdatedAt *time.Time     `json:"updated_at,omitempty"`
	Region    occupancy.Rect `json:"region"`
}

// Snapshot is the payload of /api/spaces and its SSE stream.
type Snapshot struct {
	FrameNumber uint64      `json:"frame_number"`
	Epoch       uint64      `json:"epoch"`
	EpochStart  *time.Time  `json:"epoch_start,omitempty"`
	Occupied    int         `json:"occupied"`
	Spaces      []SpaceView `json:"spaces"`
	Timestamp   float64     `json:"timestamp"`
}

// NewSnapshot builds a snapshot from estimator state. hits lists the spaces
// hit by the latest frame.
func NewSnapshot(frame uint64, epoch uint64, epochStart time.Time, spaces []occupancy.Space, ratios map[string]float64, hits []string, now time.Time) Snapshot {
	hit := make(map[string]bool, len(hits))
	for _, id := range hits {
		hit[id] = true
	}

	snap := Snapshot{
		FrameNumber: frame,
		Epoch:       epoch,
		Spaces:      make([]SpaceView, 0, len(spaces)),
		Timestamp:   float64(now.UnixNano()) / 1e9,
	}
	if !epochStart.IsZero() {
		snap.EpochStart = &epochStart
	}
	for _, s := range spaces {
		v := SpaceView{
			ID:       s.ID,
			Status:   s.Status,
			Ratio:    ratios[s.ID],
			Hit:      hit[s.ID],
			Occupant: s.Occupant,
			Region:   s.Region,
		}
		if !s.UpdatedAt.IsZero() {
			at := s.UpdatedAt
			v.UpdatedAt = &at
		}
		if s.Status == types.StatusOccupied {
			snap.Occupied++
		}
		snap.Spaces = append(snap.Spaces, v)
	}
	return snap
}
