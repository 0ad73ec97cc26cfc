package occupancy

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// ErrInvalidConfig wraps every validation failure reported by Config.Validate.
var ErrInvalidConfig = errors.New("invalid occupancy config")

// Assignment selects how detections are matched to spaces.
type Assignment string

const (
	// AssignIoU marks a space hit when any detection overlaps it above
	// OverlapThreshold. One detection may hit several spaces.
	AssignIoU Assignment = "iou"
	// AssignCenter marks the first space (in config order) that contains the
	// detection center.
	AssignCenter Assignment = "center"
)

// SpaceConfig is one configured parking space. Region is normalized to the
// frame, so every coordinate lies in [0,1].
type SpaceConfig struct {
	ID     string `json:"id"`
	Region Rect   `json:"region"`
}

// Config holds the estimator tunables.
type Config struct {
	Spaces           []SpaceConfig
	OverlapThreshold float64
	LowThreshold     float64
	HighThreshold    float64
	Epoch            time.Duration
	ClassFilter      []string
	MinConfidence    float64
	Assignment       Assignment
}

// DefaultConfig returns the reference tunables with no spaces.
func DefaultConfig() Config {
	return Config{
		OverlapThreshold: 0.2,
		LowThreshold:     0.2,
		HighThreshold:    0.4,
		Epoch:            5 * time.Second,
		Assignment:       AssignIoU,
	}
}

// Validate reports every problem found, not just the first.
func (c Config) Validate() error {
	var errs error
	bad := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if len(c.Spaces) == 0 {
		bad("no parking spaces configured")
	}
	seen := make(map[string]bool, len(c.Spaces))
	for i, s := range c.Spaces {
		if s.ID == "" {
			bad("space #%d has an empty id", i)
		} else if seen[s.ID] {
			bad("duplicate space id %q", s.ID)
		}
		seen[s.ID] = true

		r := s.Region
		if !(r.XMin < r.XMax) {
			bad("space %q: x_min %.4f must be below x_max %.4f", s.ID, r.XMin, r.XMax)
		}
		if !(r.YMin < r.YMax) {
			bad("space %q: y_min %.4f must be below y_max %.4f", s.ID, r.YMin, r.YMax)
		}
		for _, v := range []float64{r.XMin, r.YMin, r.XMax, r.YMax} {
			if !(v >= 0 && v <= 1) {
				bad("space %q: region %s leaves the normalized frame", s.ID, r)
				break
			}
		}
	}

	checkUnit := func(name string, v float64) {
		// NaN fails both comparisons.
		if !(v >= 0 && v <= 1) {
			bad("%s %.4f outside [0,1]", name, v)
		}
	}
	checkUnit("overlap_threshold", c.OverlapThreshold)
	checkUnit("low_threshold", c.LowThreshold)
	checkUnit("high_threshold", c.HighThreshold)
	checkUnit("min_confidence", c.MinConfidence)
	if c.LowThreshold >= c.HighThreshold {
		bad("low_threshold %.4f must be below high_threshold %.4f", c.LowThreshold, c.HighThreshold)
	}
	if c.Epoch <= 0 {
		bad("epoch %s must be positive", c.Epoch)
	}
	switch c.Assignment {
	case AssignIoU, AssignCenter:
	default:
		bad("unknown assignment %q", c.Assignment)
	}
	return errs
}
