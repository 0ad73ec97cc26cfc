package types

import (
	"image"
	"time"
)

// Detection is one object reported by the detector for a single frame.
// X and Y are the box center; all four values are in the frame's units,
// either pixels or normalized [0,1] depending on Frame.Normalized.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

// Frame is everything the estimator needs about one processed frame.
type Frame struct {
	Number     uint64      // Sequential frame number
	Timestamp  time.Time   // Capture (or recording) timestamp
	Width      int         // Frame width in pixels
	Height     int         // Frame height in pixels
	Normalized bool        // True if detection coordinates are in [0,1]
	Detections []Detection // Zero detections is valid input
	Image      image.Image // Optional decoded frame, used by the preview only
}

// Status is the stable occupancy state of a parking space.
type Status string

const (
	StatusOpen     Status = "Open"
	StatusOccupied Status = "Occupied"
)

// ParseStatus accepts the stored spellings of a status. Anything unknown
// maps to Open.
func ParseStatus(s string) Status {
	switch s {
	case "Occupied", "occupied", "OCCUPIED":
		return StatusOccupied
	default:
		return StatusOpen
	}
}

// SpaceRecord is the persisted view of one parking space.
type SpaceRecord struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Occupant  string    `json:"occupant,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
