package occupancy

import (
	"fmt"
	"time"

	"github.com/hau2park/parking-monitor/pkg/types"
)

// Window counts frames over one epoch for a single space.
type Window struct {
	Processed int
	Hits      int
}

// Ratio is Hits/Processed, or 0 for an empty window.
func (w Window) Ratio() float64 {
	if w.Processed == 0 {
		return 0
	}
	return float64(w.Hits) / float64(w.Processed)
}

// Space is a snapshot of one parking space and its running window.
type Space struct {
	ID        string       `json:"id"`
	Region    Rect         `json:"region"`
	Status    types.Status `json:"status"`
	UpdatedAt time.Time    `json:"updated_at"`
	Occupant  string       `json:"occupant,omitempty"`
	Window    Window       `json:"-"`
}

// Transition records a status change decided at the end of an epoch.
type Transition struct {
	SpaceID       string       `json:"space_id"`
	From          types.Status `json:"from"`
	To            types.Status `json:"to"`
	Ratio         float64      `json:"ratio"`
	At            time.Time    `json:"at"`
	ClearOccupant bool         `json:"clear_occupant"`
}

// SpaceResult is the per-space outcome of one epoch.
type SpaceResult struct {
	ID        string       `json:"id"`
	Processed int          `json:"processed"`
	Hits      int          `json:"hits"`
	Ratio     float64      `json:"ratio"`
	Status    types.Status `json:"status"`
}

// EpochReport summarizes a completed epoch.
type EpochReport struct {
	Start       time.Time     `json:"start"`
	End         time.Time     `json:"end"`
	Frames      int           `json:"frames"`
	Results     []SpaceResult `json:"results"`
	Transitions []Transition  `json:"transitions"`
}

// Decide applies the hysteresis rule for one space.
func Decide(current types.Status, ratio, low, high float64) types.Status {
	if current == types.StatusOccupied {
		if ratio < low {
			return types.StatusOpen
		}
		return types.StatusOccupied
	}
	if ratio >= high {
		return types.StatusOccupied
	}
	return types.StatusOpen
}

// Estimator turns per-frame detections into de-bounced space status.
// It is not safe for concurrent use; one goroutine owns it.
type Estimator struct {
	cfg    Config
	filter Filter
	spaces []*Space
	index  map[string]*Space

	started    bool
	epochStart time.Time
	frames     int
}

// NewEstimator validates cfg and seeds each space from seed. Spaces without
// a record start Open.
func NewEstimator(cfg Config, seed map[string]types.SpaceRecord) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Estimator{
		cfg: cfg,
		filter: Chain(
			NewClassFilter(cfg.ClassFilter...),
			NewConfidenceFilter(cfg.MinConfidence),
		),
		spaces: make([]*Space, 0, len(cfg.Spaces)),
		index:  make(map[string]*Space, len(cfg.Spaces)),
	}
	for _, sc := range cfg.Spaces {
		s := &Space{ID: sc.ID, Region: sc.Region, Status: types.StatusOpen}
		if rec, ok := seed[sc.ID]; ok {
			s.Status = types.ParseStatus(string(rec.Status))
			s.UpdatedAt = rec.UpdatedAt
			s.Occupant = rec.Occupant
		}
		e.spaces = append(e.spaces, s)
		e.index[sc.ID] = s
	}
	return e, nil
}

// Config returns the configuration the estimator was built with.
func (e *Estimator) Config() Config {
	return e.cfg
}

// Observe assigns one frame's detections to spaces and updates the running
// windows. It returns the ids of the spaces hit, in config order.
func (e *Estimator) Observe(f types.Frame) ([]string, error) {
	if !f.Normalized && (f.Width <= 0 || f.Height <= 0) {
		return nil, fmt.Errorf("frame %d: %w: %dx%d", f.Number, ErrFrameSize, f.Width, f.Height)
	}

	detections := e.filter(f.Detections)
	boxes := make([]Rect, 0, len(detections))
	for _, d := range detections {
		box, err := DetectionRect(d, f)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", f.Number, err)
		}
		boxes = append(boxes, box)
	}

	hit := e.assign(boxes)

	var ids []string
	for i, s := range e.spaces {
		s.Window.Processed++
		if hit[i] {
			s.Window.Hits++
			ids = append(ids, s.ID)
		}
	}
	e.frames++
	return ids, nil
}

func (e *Estimator) assign(boxes []Rect) []bool {
	hit := make([]bool, len(e.spaces))
	switch e.cfg.Assignment {
	case AssignCenter:
		for _, b := range boxes {
			cx, cy := (b.XMin+b.XMax)/2, (b.YMin+b.YMax)/2
			for i, s := range e.spaces {
				if s.Region.Contains(cx, cy) {
					hit[i] = true
					break
				}
			}
		}
	default:
		for _, b := range boxes {
			for i, s := range e.spaces {
				if IoU(b, s.Region) > e.cfg.OverlapThreshold {
					hit[i] = true
				}
			}
		}
	}
	return hit
}

// Tick closes the epoch if it has run for at least cfg.Epoch and returns its
// report, or nil if the epoch is still open. The first call only starts the
// clock.
func (e *Estimator) Tick(now time.Time) *EpochReport {
	if !e.started {
		e.started = true
		e.epochStart = now
		return nil
	}
	if now.Sub(e.epochStart) < e.cfg.Epoch {
		return nil
	}

	report := &EpochReport{
		Start:   e.epochStart,
		End:     now,
		Frames:  e.frames,
		Results: make([]SpaceResult, 0, len(e.spaces)),
	}
	for _, s := range e.spaces {
		ratio := s.Window.Ratio()
		next := Decide(s.Status, ratio, e.cfg.LowThreshold, e.cfg.HighThreshold)
		if next != s.Status {
			t := Transition{
				SpaceID:       s.ID,
				From:          s.Status,
				To:            next,
				Ratio:         ratio,
				At:            now,
				ClearOccupant: next == types.StatusOpen,
			}
			report.Transitions = append(report.Transitions, t)
			s.Status = next
			s.UpdatedAt = now
			if t.ClearOccupant {
				s.Occupant = ""
			}
		}
		report.Results = append(report.Results, SpaceResult{
			ID:        s.ID,
			Processed: s.Window.Processed,
			Hits:      s.Window.Hits,
			Ratio:     ratio,
			Status:    s.Status,
		})
		s.Window = Window{}
	}

	e.frames = 0
	e.epochStart = now
	return report
}

// ProcessFrame checks the epoch boundary and then counts f, so a frame that
// arrives on or after the boundary opens the next epoch.
func (e *Estimator) ProcessFrame(f types.Frame, now time.Time) (*EpochReport, []string, error) {
	report := e.Tick(now)
	hits, err := e.Observe(f)
	return report, hits, err
}

// Spaces returns a copy of every space in config order.
func (e *Estimator) Spaces() []Space {
	out := make([]Space, len(e.spaces))
	for i, s := range e.spaces {
		out[i] = *s
	}
	return out
}

// Space returns a copy of one space.
func (e *Estimator) Space(id string) (Space, bool) {
	s, ok := e.index[id]
	if !ok {
		return Space{}, false
	}
	return *s, true
}

// Ratio returns the running ratio of the open epoch for id.
func (e *Estimator) Ratio(id string) float64 {
	if s, ok := e.index[id]; ok {
		return s.Window.Ratio()
	}
	return 0
}

// EpochStart is zero until the first frame or tick.
func (e *Estimator) EpochStart() time.Time {
	return e.epochStart
}
